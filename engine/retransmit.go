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
	"context"
	"errors"
	"time"

	"github.com/bfix/gospel/logger"
)

// defaultRetransmitIdle is the wakeup period when no transaction is
// outstanding (spec §4.6).
const defaultRetransmitIdle = 30 * time.Second

// runRetransmitWorker drives UDP reliability: it sweeps the outbound
// transaction table, resends anything past its T1 deadline, declares
// permanently-expired transactions dead, and sleeps until the earliest
// live deadline, the table's wake signal, or ctx cancellation (spec
// §4.6). OnDisconnected may be upcalled directly from this goroutine,
// not routed through the event loop, a deliberate exception to the
// single-upcall-goroutine rule since the application must already
// tolerate this upcall arriving from either worker (spec §4.1, §5).
func (e *Endpoint) runRetransmitWorker(ctx context.Context) {
	defer e.wg.Done()

	for {
		toResend, expired, nextWakeup := e.transactions.sweep(time.Now())

		if expired != nil {
			e.counters.expirations.Add(1)
			logger.Printf(logger.WARN, "[endpoint] transaction on socket %d permanently expired", expired.Socket)
			e.responder.OnDisconnected(expired.Socket)
			continue
		}

		for _, t := range toResend {
			pc, ok := e.peers.Get(t.Socket, 0)
			if !ok {
				continue
			}
			if err := pc.SendData(t.Message()); err != nil {
				if errors.Is(err, ErrNotConnected) {
					e.responder.OnDisconnected(t.Socket)
					e.transactions.Remove(t.Message().TransactionID())
				} else {
					logger.Printf(logger.WARN, "[endpoint] retransmit to socket %d failed: %v", t.Socket, err)
				}
				continue
			}
			e.counters.retransmissions.Add(1)
		}

		wait := defaultRetransmitIdle
		if !nextWakeup.IsZero() {
			if d := time.Until(nextWakeup); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-e.transactions.Wake():
		case <-time.After(wait):
		}
	}
}
