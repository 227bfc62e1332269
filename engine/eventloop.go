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
	"sync/atomic"
	"time"

	"bfcp/message"

	"github.com/bfix/gospel/logger"
)

// runEventLoop is the single consumer of e.events: every upcall to the
// Responder is invoked from here, except the OnDisconnected the retransmit
// worker raises for a permanently expired transaction, so OnConnected and
// OnMessage never run concurrently (spec §4.4, §5 Ordering).
// It is the Go-channel analogue of the original's raw select() reactor,
// grounded on the same single-consumer-goroutine pattern the teacher's
// core.pump() already uses for its own event dispatch.
func (e *Endpoint) runEventLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handleLoopEvent(ev)
		case <-ticker.C:
			e.checkAllExpiredAnswers()
		}
	}
}

func (e *Endpoint) handleLoopEvent(ev loopEvent) {
	switch ev.kind {
	case evControl:
		if ev.ctrl != nil {
			ev.ctrl()
		}
	case evConnected:
		e.responder.OnConnected(ev.socket, ev.from)
	case evMessage:
		e.dispatchMessage(ev.socket, ev.msg)
	case evDisconnectPeer:
		e.disconnectPeer(ev.socket)
	}
}

// dispatchMessage implements spec §4.4 step 5/6: close any outbound
// transaction the incoming message answers, transparently resend a
// cached answer instead of re-invoking the application on a duplicate
// UDP request, and finally deliver the message (unless it was a dedup
// hit). A GoodbyeAck received over UDP disconnects that peer right after
// delivery (spec §8 scenario 6).
func (e *Endpoint) dispatchMessage(socket SocketHandle, msg message.Message) {
	pc, ok := e.peers.Get(socket, 0)
	if !ok {
		return
	}

	e.closeOutgoingTransaction(msg)

	if pc.Kind() == UDP && message.IsRequest(msg.Primitive()) {
		if cached, dup := pc.handleRemoteRetrans(msg.TransactionID()); dup {
			if err := pc.SendData(cached); err != nil {
				logger.Printf(logger.WARN, "[endpoint] resend of cached answer to %d failed: %v", socket, err)
			}
			return
		}
	}

	e.counters.received.Add(1)
	e.responder.OnMessage(socket, msg)

	if pc.Kind() == UDP && msg.Primitive() == message.GoodbyeAck {
		e.disconnectPeer(socket)
	}
}

// disconnectPeer removes socket from the peer table, closes it, and
// upcalls OnDisconnected. Always invoked from the event-loop goroutine.
func (e *Endpoint) disconnectPeer(socket SocketHandle) {
	pc, ok := e.peers.Get(socket, 0)
	if !ok {
		return
	}
	e.peers.Delete(socket, 0)
	_ = pc.CloseSocket()
	e.responder.OnDisconnected(socket)
}

// checkAllExpiredAnswers ages out every peer's answer cache once a
// second; a peer whose expiring entry was a GoodbyeAck is disconnected
// (spec §4.3, §8 scenario 6).
func (e *Endpoint) checkAllExpiredAnswers() {
	now := time.Now()
	var toDisconnect []SocketHandle
	_ = e.peers.ProcessRange(func(h SocketHandle, pc *PeerChannel, _ int) error {
		if pc.checkExpiredAnswers(now) {
			toDisconnect = append(toDisconnect, h)
		}
		return nil
	}, true)
	for _, h := range toDisconnect {
		e.disconnectPeer(h)
	}
}

// runAcceptLoop accepts incoming stream connections on a passive anchor,
// consulting Registry before admitting each new peer (spec §4.4 step 5
// passive-stream arm).
func (e *Endpoint) runAcceptLoop(ctx context.Context, anchor *PeerChannel) {
	defer e.wg.Done()
	for {
		conn, err := anchor.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				logger.Printf(logger.INFO, "[endpoint] accept loop stopped: %v", err)
			}
			return
		}

		if e.Registry != nil && !e.Registry.Allow(conn.RemoteAddr().String()) {
			logger.Printf(logger.WARN, "[endpoint] rejecting connection from %s (not in registry)", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		handle := SocketHandle(atomic.AddInt64(&e.nextHandle, 1))
		pc := newPeerChannel(handle, e.kind, RolePassive, e.parser, e.strictUDP)
		pc.setRegistry(e.Registry)
		pc.setTLSConfig(e.TLSConfig)
		if err := pc.acceptedFrom(conn); err != nil {
			logger.Printf(logger.WARN, "[endpoint] dropping accepted connection from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		e.peers.Put(handle, pc, 0)

		e.wg.Add(1)
		go e.runPeerReader(ctx, handle, pc)

		remote := pc.RemoteAddr()
		select {
		case e.events <- loopEvent{kind: evConnected, socket: handle, from: remote}:
		case <-e.closed:
			return
		}
	}
}

// runPeerReader forwards framed messages (or a terminal disconnect) from
// one PeerChannel into the shared events channel. One goroutine per
// channel, grounded on the teacher transport package's per-connection
// reader-goroutine-to-channel pattern.
func (e *Endpoint) runPeerReader(ctx context.Context, handle SocketHandle, pc *PeerChannel) {
	defer e.wg.Done()
	for {
		_, msg, _, err := pc.ReadOneMessage()
		if err != nil {
			select {
			case e.events <- loopEvent{kind: evDisconnectPeer, socket: handle}:
			case <-e.closed:
			case <-ctx.Done():
			}
			return
		}
		select {
		case e.events <- loopEvent{kind: evMessage, socket: handle, msg: msg}:
		case <-e.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
