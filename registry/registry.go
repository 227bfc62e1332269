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

// Package registry implements a pluggable peer address allowlist the
// connection engine consults before admitting a new association. The
// "spec" string dispatch (type+args, '+'-separated) mirrors the
// teacher's OpenKVStore/ConnectSqlDatabase convention.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// Error messages related to registry specifications.
var (
	ErrInvalidSpec  = fmt.Errorf("registry: invalid specification")
	ErrNotAvailable = fmt.Errorf("registry: backend not available")
)

// PeerMeta describes one remembered peer address.
type PeerMeta struct {
	Addr      string
	Label     string
	UpdatedAt time.Time
}

// PeerRegistry gates and records peer addresses. Allow is consulted from
// the engine's accept loop and from UDP first-datagram handling; a nil
// PeerRegistry on the Endpoint is treated as "allow all".
type PeerRegistry interface {
	Allow(addr string) bool
	Remember(addr string, meta PeerMeta) error
	Forget(addr string) error
	List() ([]PeerMeta, error)
}

// OpenRegistry opens a PeerRegistry for the given spec string. The first
// '+'-delimited segment selects the backend:
//
//	"redis+addr[+passwd[+db]]" -> a Redis-backed registry
//	"sql+driver:dsn"           -> a database/sql-backed registry
//	                              (driver is "sqlite3" or "mysql")
func OpenRegistry(spec string) (PeerRegistry, error) {
	parts := strings.Split(spec, "+")
	if len(parts) < 2 {
		return nil, ErrInvalidSpec
	}
	switch parts[0] {
	case "redis":
		return openRedisRegistry(parts[1:])
	case "sql":
		return openSQLRegistry(parts[1])
	}
	return nil, ErrInvalidSpec
}
