// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bfix/gospel/logger"
)

func TestConfigRead(t *testing.T) {
	logger.SetLogLevel(logger.WARN)

	raw := `{
		"environ": {"HOME": "/var/lib/bfcp"},
		"endpoint": {
			"role": "active",
			"transport": "udp",
			"address": "0.0.0.0",
			"port": 0,
			"remote": "127.0.0.1",
			"remotePort": 5000
		},
		"registry": {"spec": "sql+sqlite3:${HOME}/peers.db"}
	}`
	path := filepath.Join(t.TempDir(), "bfcp-config.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ParseConfig(path); err != nil {
		t.Fatal(err)
	}
	if Cfg.Endpoint.Role != "active" {
		t.Fatalf("role = %q, want active", Cfg.Endpoint.Role)
	}
	want := "sql+sqlite3:/var/lib/bfcp/peers.db"
	if Cfg.Registry.Spec != want {
		t.Fatalf("registry spec = %q, want %q", Cfg.Registry.Spec, want)
	}
	if _, err := json.Marshal(Cfg); err != nil {
		t.Fatal(err)
	}
}

func TestSubstStringLeavesUnknownRefs(t *testing.T) {
	env := map[string]string{"A": "1"}
	got := substString("${A}-${B}", env)
	if got != "1-${B}" {
		t.Fatalf("got %q", got)
	}
}
