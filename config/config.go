// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// bfcp is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// bfcp is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// EndpointConfig configures one connection-engine Endpoint.
type EndpointConfig struct {
	Role      string `json:"role"`      // "active" or "passive"
	Transport string `json:"transport"` // "tcp", "tls", or "udp"
	Address   string `json:"address"`   // local bind address
	Port      int    `json:"port"`      // local bind port
	Remote    string `json:"remote"`    // remote address (active role only)
	RemotePort int   `json:"remotePort"`

	// StrictUDPSourceCheck disables the inherited "adopt any source
	// address" quirk (spec §9 open question): when true, a UDP datagram
	// from an unexpected source is logged and dropped instead of
	// silently becoming the new remote endpoint.
	StrictUDPSourceCheck bool `json:"strictUdpSourceCheck"`

	// TLSCertFile / TLSKeyFile configure the TLS transport's handshake
	// material; the record layer itself is stdlib crypto/tls.
	TLSCertFile string `json:"tlsCertFile"`
	TLSKeyFile  string `json:"tlsKeyFile"`
}

// DiscoveryConfig configures DNS-based Floor Control Server discovery.
type DiscoveryConfig struct {
	Domain  string `json:"domain"`  // domain queried for _bfcp._{tcp,udp} SRV records
	Servers []string `json:"servers"` // not read by the discovery package, which always uses the first /etc/resolv.conf resolver (8.8.8.8 if unusable)
}

// RegistryConfig configures the pluggable known-peer registry.
type RegistryConfig struct {
	// Spec is a "+"-delimited backend spec, e.g. "redis+localhost:6379"
	// or "sql+sqlite3:/var/lib/bfcp/peers.db".
	Spec string `json:"spec"`
}

// AdminConfig configures the read-only introspection HTTP API.
type AdminConfig struct {
	Address string `json:"address"` // empty disables the admin server
}

// Environ holds ${VAR}-style substitution values applied to every string
// field in Config after it is parsed.
type Environ map[string]string

// Config is the aggregated configuration for a connection-engine process.
type Config struct {
	Env       Environ          `json:"environ"`
	Endpoint  *EndpointConfig  `json:"endpoint"`
	Discovery *DiscoveryConfig `json:"discovery"`
	Registry  *RegistryConfig  `json:"registry"`
	Admin     *AdminConfig     `json:"admin"`
}

// Cfg is the global configuration, populated by ParseConfig.
var Cfg *Config

// ParseConfig reads a JSON-encoded configuration file and maps it to Cfg,
// applying ${VAR} substitutions against its own "environ" section.
func ParseConfig(fileName string) (err error) {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return
	}
	Cfg = new(Config)
	if err = json.Unmarshal(file, Cfg); err == nil {
		applySubstitutions(Cfg, Cfg.Env)
	}
	return
}

var rxVar = regexp.MustCompile(`\$\{([^\}]*)\}`)

// substString replaces every "${NAME}" occurrence in s with env["NAME"],
// leaving unmatched names untouched.
func substString(s string, env map[string]string) string {
	matches := rxVar.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		if subst, ok := env[m[1]]; ok {
			s = strings.ReplaceAll(s, "${"+m[1]+"}", subst)
		}
	}
	return s
}

// applySubstitutions walks x (a pointer to a config struct) and rewrites
// every string field by repeatedly applying substString until it reaches
// a fixed point, so nested references resolve in one pass.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.String()
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s", s, s1)
					fld.SetString(s1)
					s = s1
				}
			case reflect.Struct:
				process(fld)
			case reflect.Ptr:
				if e := fld.Elem(); e.IsValid() {
					process(e)
				}
			}
		}
	}
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Ptr:
		if e := v.Elem(); e.IsValid() {
			process(e)
		}
	case reflect.Struct:
		process(v)
	}
}
