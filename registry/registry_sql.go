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

package registry

import (
	"database/sql"
	"os"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// sqlRegistry stores peer metadata in a "peers(addr, label, updated_at)"
// table over database/sql, matching the teacher's ConnectSqlDatabase
// driver-dispatch convention.
type sqlRegistry struct {
	db *sql.DB
}

// openSQLRegistry connects using a "driver:dsn" string, e.g.
// "sqlite3:/var/lib/bfcp/peers.db" or "mysql:user:pass@tcp(host)/db".
func openSQLRegistry(dsn string) (PeerRegistry, error) {
	parts := strings.SplitN(dsn, ":", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidSpec
	}
	driver, arg := parts[0], parts[1]

	var db *sql.DB
	var err error
	switch driver {
	case "sqlite3":
		if fi, statErr := os.Stat(arg); statErr != nil || fi.IsDir() {
			return nil, ErrNotAvailable
		}
		db, err = sql.Open("sqlite3", arg)
	case "mysql":
		db, err = sql.Open("mysql", arg)
	default:
		return nil, ErrInvalidSpec
	}
	if err != nil {
		return nil, err
	}

	reg := &sqlRegistry{db: db}
	if _, err := db.Exec(`create table if not exists peers (
		addr text primary key,
		label text,
		updated_at text
	)`); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *sqlRegistry) Allow(addr string) bool {
	row := r.db.QueryRow("select count(*) from peers where addr = ?", addr)
	var n int
	if err := row.Scan(&n); err != nil {
		return false
	}
	return n > 0
}

func (r *sqlRegistry) Remember(addr string, meta PeerMeta) error {
	_, err := r.db.Exec(
		"insert into peers(addr, label, updated_at) values (?, ?, ?) on conflict(addr) do update set label=excluded.label, updated_at=excluded.updated_at",
		addr, meta.Label, time.Now().Format(time.RFC3339),
	)
	return err
}

func (r *sqlRegistry) Forget(addr string) error {
	_, err := r.db.Exec("delete from peers where addr = ?", addr)
	return err
}

func (r *sqlRegistry) List() ([]PeerMeta, error) {
	rows, err := r.db.Query("select addr, label, updated_at from peers")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerMeta
	for rows.Next() {
		var addr, label, updatedAt string
		if err := rows.Scan(&addr, &label, &updatedAt); err != nil {
			return nil, err
		}
		meta := PeerMeta{Addr: addr, Label: label}
		if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			meta.UpdatedAt = ts
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}
