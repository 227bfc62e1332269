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
	"sync"
	"time"

	"bfcp/message"
)

// T1 schedule (spec §3 invariant 6, §4.3): starts at 500ms and doubles on
// every retransmission up to a ceiling of 16s; the first check past the
// ceiling declares the transaction permanently expired.
const (
	t1Initial = 500 * time.Millisecond
	t1Ceiling = 16 * time.Second
)

// answerRetention is how long a cached answer survives before it ages
// out of the per-peer answer cache (spec §4.3), distinct from T1's
// doubling schedule: we never retransmit an answer on our own timer,
// only resend it on demand when a duplicate request arrives.
const answerRetention = t1Ceiling

// Transaction is one in-flight request awaiting an answer, or one
// recently sent answer kept around for remote-retransmission dedup.
// It always owns a private copy of the message bytes (spec §9: the
// original's Transaction never shares a raw message pointer across
// copies).
type Transaction struct {
	Socket   SocketHandle
	msg      message.Message
	expires  time.Time
	duration time.Duration
}

// newTransaction starts a fresh outbound transaction for a just-sent
// request, timer armed at t1Initial.
func newTransaction(socket SocketHandle, msg message.Message) *Transaction {
	return &Transaction{
		Socket:   socket,
		msg:      msg.Copy(),
		duration: t1Initial,
		expires:  time.Now().Add(t1Initial),
	}
}

// newAnswerEntry starts a fixed-window answer-cache entry for a just-sent
// answer; it is never retransmitted on a timer, only replayed on demand.
func newAnswerEntry(socket SocketHandle, msg message.Message) *Transaction {
	return &Transaction{
		Socket:   socket,
		msg:      msg.Copy(),
		duration: answerRetention,
		expires:  time.Now().Add(answerRetention),
	}
}

// Message returns the transaction's private copy of the message.
func (t *Transaction) Message() message.Message { return t.msg }

// markTransmission advances the T1 timer after a resend: the duration
// doubles and the expiration resets relative to now.
func (t *Transaction) markTransmission(now time.Time) {
	t.duration *= 2
	t.expires = now.Add(t.duration)
}

// checkTimerT1 reports whether the transaction should fire a
// retransmission now, has permanently expired, or is still alive. If
// alive, its expiration is folded into nextWakeup when it is earlier
// than the current accumulator value. Once the duration has reached the
// ceiling, the next check reports permanent expiry.
func (t *Transaction) checkTimerT1(now time.Time, nextWakeup *time.Time) (fire, permanentlyExpired bool) {
	if t.duration >= t1Ceiling {
		return false, true
	}
	if !now.Before(t.expires) {
		return true, false
	}
	if nextWakeup.IsZero() || t.expires.Before(*nextWakeup) {
		*nextWakeup = t.expires
	}
	return false, false
}

// TransactionTable maps 16-bit transaction IDs to outstanding outbound
// transactions. It is the session-lock-guarded table from spec §4.3/§5,
// re-expressed with a plain mutex plus a non-blocking wake channel in
// place of the original's condition variable (spec §9: "replace with a
// timed channel receive").
type TransactionTable struct {
	mu    sync.Mutex
	table map[uint16]*Transaction
	wake  chan struct{}
}

// NewTransactionTable creates an empty table.
func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		table: make(map[uint16]*Transaction),
		wake:  make(chan struct{}, 1),
	}
}

// Wake returns the channel the retransmit worker sleeps on; any mutation
// to the table signals it non-blockingly.
func (tt *TransactionTable) Wake() <-chan struct{} { return tt.wake }

func (tt *TransactionTable) signal() {
	select {
	case tt.wake <- struct{}{}:
	default:
	}
}

// Insert adds a transaction keyed by transaction ID and wakes the
// retransmit worker so it can fold in the new expiration.
func (tt *TransactionTable) Insert(tid uint16, t *Transaction) {
	tt.mu.Lock()
	tt.table[tid] = t
	tt.mu.Unlock()
	tt.signal()
}

// Remove erases the transaction for tid, reporting whether one existed,
// and wakes the retransmit worker.
func (tt *TransactionTable) Remove(tid uint16) bool {
	tt.mu.Lock()
	_, ok := tt.table[tid]
	delete(tt.table, tid)
	tt.mu.Unlock()
	if ok {
		tt.signal()
	}
	return ok
}

// Get looks up the transaction for tid.
func (tt *TransactionTable) Get(tid uint16) (*Transaction, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.table[tid]
	return t, ok
}

// Size returns the number of outstanding outbound transactions.
func (tt *TransactionTable) Size() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.table)
}

// sweep walks the table once (spec §4.6 RetransmitTimer step 2): alive
// transactions fold their expiration into nextWakeup; fired transactions
// are marked for retransmission and advanced, and their new expiration
// is folded into nextWakeup as well; the first permanently
// expired transaction stops the walk immediately, matching the original
// "break; the map is about to be mutated" behavior.
func (tt *TransactionTable) sweep(now time.Time) (toResend []*Transaction, expired *Transaction, nextWakeup time.Time) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for tid, t := range tt.table {
		fire, perm := t.checkTimerT1(now, &nextWakeup)
		if perm {
			expired = t
			delete(tt.table, tid)
			return
		}
		if fire {
			t.markTransmission(now)
			toResend = append(toResend, t)
			if nextWakeup.IsZero() || t.expires.Before(nextWakeup) {
				nextWakeup = t.expires
			}
		}
	}
	return
}
