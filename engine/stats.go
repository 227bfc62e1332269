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

package engine

import (
	"sync/atomic"
	"time"
)

// counters accumulates the lifetime activity totals surfaced by the
// admin package's /stats endpoint.
type counters struct {
	sent            atomic.Int64
	received        atomic.Int64
	retransmissions atomic.Int64
	expirations     atomic.Int64
}

// Stats is a point-in-time snapshot of an Endpoint's activity counters.
type Stats struct {
	MessagesSent    int64
	MessagesReceived int64
	Retransmissions int64
	Expirations     int64
	Dropped         int64
	Peers           int
	Transactions    int
}

// Stats returns a snapshot of the Endpoint's counters, including the
// dropped-frame totals summed across every live peer channel.
func (e *Endpoint) Stats() Stats {
	var dropped int64
	_ = e.peers.ProcessRange(func(_ SocketHandle, pc *PeerChannel, _ int) error {
		dropped += pc.DroppedCount()
		return nil
	}, true)
	return Stats{
		MessagesSent:     e.counters.sent.Load(),
		MessagesReceived: e.counters.received.Load(),
		Retransmissions:  e.counters.retransmissions.Load(),
		Expirations:      e.counters.expirations.Load(),
		Dropped:          dropped,
		Peers:            e.peers.Size(),
		Transactions:     e.transactions.Size(),
	}
}

// PeerInfo is a point-in-time snapshot of one peer channel.
type PeerInfo struct {
	Socket    SocketHandle
	Kind      string
	Remote    string
	Connected bool
}

// Peers returns a snapshot of every live peer channel, anchor included.
func (e *Endpoint) Peers() []PeerInfo {
	var out []PeerInfo
	_ = e.peers.ProcessRange(func(h SocketHandle, pc *PeerChannel, _ int) error {
		var remote string
		if addr := pc.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		out = append(out, PeerInfo{
			Socket:    h,
			Kind:      pc.Kind().String(),
			Remote:    remote,
			Connected: pc.Connected(),
		})
		return nil
	}, true)
	return out
}

// TransactionInfo is a point-in-time snapshot of one outbound transaction.
type TransactionInfo struct {
	TransactionID uint16
	Socket        SocketHandle
	Primitive     string
	ExpiresAt     time.Time
}

// Transactions returns a snapshot of the outstanding outbound transaction
// table.
func (e *Endpoint) Transactions() []TransactionInfo {
	var out []TransactionInfo
	e.transactions.mu.Lock()
	defer e.transactions.mu.Unlock()
	for tid, t := range e.transactions.table {
		out = append(out, TransactionInfo{
			TransactionID: tid,
			Socket:        t.Socket,
			Primitive:     t.msg.Primitive().String(),
			ExpiresAt:     t.expires,
		})
	}
	return out
}
