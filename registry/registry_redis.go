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
	"context"
	"strconv"
	"time"

	"github.com/bfix/gospel/logger"
	redis "github.com/go-redis/redis/v8"
)

const keyPrefix = "bfcp:peer:"

// redisRegistry stores peer metadata as Redis hashes under
// "bfcp:peer:<addr>"; Allow is a plain key existence check.
type redisRegistry struct {
	client *redis.Client
}

func openRedisRegistry(args []string) (PeerRegistry, error) {
	if len(args) == 0 {
		return nil, ErrInvalidSpec
	}
	opts := &redis.Options{Addr: args[0]}
	if len(args) > 1 {
		opts.Password = args[1]
	}
	if len(args) > 2 {
		db, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, ErrInvalidSpec
		}
		opts.DB = db
	}
	client := redis.NewClient(opts)
	if client == nil {
		return nil, ErrNotAvailable
	}
	return &redisRegistry{client: client}, nil
}

func (r *redisRegistry) Allow(addr string) bool {
	n, err := r.client.Exists(context.Background(), keyPrefix+addr).Result()
	if err != nil {
		logger.Printf(logger.WARN, "[registry] redis Exists(%s) failed: %v", addr, err)
		return false
	}
	return n > 0
}

func (r *redisRegistry) Remember(addr string, meta PeerMeta) error {
	ctx := context.Background()
	return r.client.HSet(ctx, keyPrefix+addr, map[string]interface{}{
		"label":     meta.Label,
		"updatedAt": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *redisRegistry) Forget(addr string) error {
	return r.client.Del(context.Background(), keyPrefix+addr).Err()
}

func (r *redisRegistry) List() ([]PeerMeta, error) {
	ctx := context.Background()
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, keyPrefix+"*", 50).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]PeerMeta, 0, len(keys))
	for _, k := range keys {
		vals, err := r.client.HGetAll(ctx, k).Result()
		if err != nil {
			continue
		}
		meta := PeerMeta{Addr: k[len(keyPrefix):], Label: vals["label"]}
		if ts, err := time.Parse(time.RFC3339, vals["updatedAt"]); err == nil {
			meta.UpdatedAt = ts
		}
		out = append(out, meta)
	}
	return out, nil
}
