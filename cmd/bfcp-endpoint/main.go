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

// Command bfcp-endpoint drives a single connection-engine Endpoint from a
// JSON configuration file (-c): a floor control server waiting for
// associations (role "passive") or a client establishing one against a
// configured remote (role "active"). It is a
// thin host around the engine package for manual and integration testing,
// not an RFC 4582 floor-control application.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bfcp/admin"
	"bfcp/config"
	"bfcp/discovery"
	"bfcp/engine"
	"bfcp/message"
	"bfcp/registry"

	"github.com/bfix/gospel/logger"
)

// loggingResponder prints every upcall; it is the default Responder when
// no application-layer handler is wired in, useful for manual poking at
// an Endpoint with a packet generator.
type loggingResponder struct{}

func (loggingResponder) OnConnected(socket engine.SocketHandle, remote net.Addr) {
	logger.Printf(logger.INFO, "[bfcp] socket %d connected, remote=%v", socket, remote)
}

func (loggingResponder) OnMessage(socket engine.SocketHandle, msg message.Message) {
	logger.Printf(logger.INFO, "[bfcp] socket %d <<< %s (tid=%d)", socket, msg.Primitive(), msg.TransactionID())
}

func (loggingResponder) OnDisconnected(socket engine.SocketHandle) {
	logger.Printf(logger.INFO, "[bfcp] socket %d disconnected", socket)
}

func main() {
	var (
		cfgPath string
		err     error
	)
	flag.StringVar(&cfgPath, "c", "bfcp.json", "path to the JSON configuration file")
	flag.Parse()

	if err = config.ParseConfig(cfgPath); err != nil {
		fmt.Println("config failed: " + err.Error())
		os.Exit(1)
	}
	cfg := config.Cfg
	if cfg.Endpoint == nil {
		fmt.Println("config: missing \"endpoint\" section")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kind, role, err := resolveKindRole(cfg.Endpoint)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	ep := engine.NewEndpoint(kind, role, message.DefaultParser{}, loggingResponder{})
	ep.SetStrictUDPSourceCheck(cfg.Endpoint.StrictUDPSourceCheck)

	if kind == engine.TLS {
		if cfg.Endpoint.TLSCertFile == "" || cfg.Endpoint.TLSKeyFile == "" {
			fmt.Println("config: tls transport requires tlsCertFile and tlsKeyFile")
			os.Exit(1)
		}
		tlsConfig, err := engine.LoadTLSConfig(cfg.Endpoint.TLSCertFile, cfg.Endpoint.TLSKeyFile)
		if err != nil {
			fmt.Println("tls config failed: " + err.Error())
			os.Exit(1)
		}
		ep.TLSConfig = tlsConfig
	}

	if cfg.Registry != nil && cfg.Registry.Spec != "" {
		reg, err := registry.OpenRegistry(cfg.Registry.Spec)
		if err != nil {
			fmt.Println("registry failed: " + err.Error())
			os.Exit(1)
		}
		ep.Registry = reg
	}

	if err = ep.SetLocalBinding(cfg.Endpoint.Address, cfg.Endpoint.Port); err != nil {
		fmt.Println("local binding failed: " + err.Error())
		os.Exit(1)
	}

	if role == engine.RoleActive {
		remoteAddr, remotePort := cfg.Endpoint.Remote, cfg.Endpoint.RemotePort
		if cfg.Discovery != nil && cfg.Discovery.Domain != "" {
			remoteAddr, remotePort, err = resolveViaDiscovery(ctx, cfg.Discovery.Domain)
			if err != nil {
				fmt.Println("discovery failed: " + err.Error())
				os.Exit(1)
			}
		}
		if err = ep.SetRemoteEndpoint(remoteAddr, remotePort); err != nil {
			fmt.Println("remote endpoint failed: " + err.Error())
			os.Exit(1)
		}
	}

	ok, err := ep.Connect(ctx)
	if err != nil || !ok {
		fmt.Printf("connect failed: ok=%v err=%v\n", ok, err)
		os.Exit(1)
	}
	defer ep.Disconnect()

	addr, _ := ep.GetServerInfo()
	fmt.Println("======================================================================")
	fmt.Println("BFCP connection engine endpoint")
	fmt.Printf("    role=%s transport=%s local=%v\n", role, kind, addr)
	fmt.Println("======================================================================")

	if cfg.Admin != nil && cfg.Admin.Address != "" {
		adminSrv := admin.NewServer(ep, cfg.Admin.Address)
		adminSrv.Run(ctx)
		logger.Printf(logger.INFO, "[bfcp] admin API listening on %s", cfg.Admin.Address)
	}

	runUntilSignal(cancel)
}

// resolveKindRole maps the config's string transport/role fields onto
// the engine's typed enums.
func resolveKindRole(ec *config.EndpointConfig) (engine.TransportKind, engine.Role, error) {
	var kind engine.TransportKind
	switch ec.Transport {
	case "tcp":
		kind = engine.TCP
	case "tls":
		kind = engine.TLS
	case "udp":
		kind = engine.UDP
	default:
		return 0, 0, fmt.Errorf("config: unknown transport %q", ec.Transport)
	}

	var role engine.Role
	switch ec.Role {
	case "active":
		role = engine.RoleActive
	case "passive":
		role = engine.RolePassive
	default:
		return 0, 0, fmt.Errorf("config: unknown role %q", ec.Role)
	}
	if role == engine.RolePassive && kind != engine.UDP && ec.Remote != "" {
		logger.Printf(logger.WARN, "[bfcp] passive %s endpoint ignores configured remote", kind)
	}
	return kind, role, nil
}

// resolveViaDiscovery resolves a symbolic Floor Control Server domain to
// a concrete address/port pair via DNS SRV lookup, picking one candidate
// with RFC 2782 weighted selection.
func resolveViaDiscovery(ctx context.Context, domain string) (string, int, error) {
	recs, err := discovery.LookupFCS(ctx, domain)
	if err != nil {
		return "", 0, err
	}
	rec, ok := discovery.SelectWeighted(recs)
	if !ok {
		return "", 0, discovery.ErrNoRecords
	}
	logger.Printf(logger.INFO, "[bfcp] discovery selected %s", rec)
	return rec.Target, int(rec.Port), nil
}

// runUntilSignal blocks until SIGINT/SIGTERM, logging a heartbeat every
// five minutes in the meantime, then cancels the Endpoint's context.
func runUntilSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	tick := time.NewTicker(5 * time.Minute)
	defer tick.Stop()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Printf(logger.INFO, "[bfcp] terminating on signal %s", sig)
				cancel()
				return
			case syscall.SIGHUP:
				logger.Println(logger.INFO, "[bfcp] SIGHUP (ignored, no config reload wired)")
			}
		case now := <-tick.C:
			logger.Println(logger.INFO, "[bfcp] heartbeat at "+now.String())
		}
	}
}
