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

// Package engine implements the BFCP connection engine: the state
// machine and concurrency fabric that creates/accepts sockets, frames
// and reassembles messages, and drives UDP reliability through
// transaction tracking and retransmission.
package engine

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bfcp/message"
	"bfcp/util"

	"github.com/bfix/gospel/logger"
)

// PeerAllower gates whether a would-be peer's address may establish an
// association (accepted TCP connection, or first UDP datagram from a
// new source). A nil Registry on the Endpoint allows everyone.
type PeerAllower interface {
	Allow(addr string) bool
}

// loopEventKind distinguishes the events the single event-loop goroutine
// consumes; this channel is the wake-up-pipe analogue (spec §9): peer
// readers, the accept loop, Connect and AddClient post to it. RemoveClient
// and Send do not; they act on the peer table directly under its lock.
type loopEventKind uint8

const (
	evMessage loopEventKind = iota
	evConnected
	evDisconnectPeer
	evControl
)

type loopEvent struct {
	kind   loopEventKind
	socket SocketHandle
	msg    message.Message
	from   net.Addr
	ctrl   func()
}

// Endpoint is the process-wide configuration and lifecycle object (spec
// §3). In steady state it is touched by the caller, the event loop, the
// retransmit worker, one reader goroutine per peer channel, and, for a
// passive stream Endpoint, the accept loop.
type Endpoint struct {
	kind      TransportKind
	role      Role
	parser    message.Parser
	responder Responder
	Registry  PeerAllower
	strictUDP bool

	// TLSConfig supplies the handshake material for a kind == TLS
	// Endpoint; Connect fails with ErrTransportSetup if it is nil.
	TLSConfig *tls.Config

	localAddr  string
	localPort  int
	remoteAddr string
	remotePort int
	cfgMu      sync.Mutex

	peers        *util.Map[SocketHandle, *PeerChannel]
	transactions *TransactionTable
	anchor       *PeerChannel
	counters     counters

	events chan loopEvent
	closed chan struct{}
	closeOnce sync.Once

	connected  atomic.Bool
	started    atomic.Bool
	nextHandle int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEndpoint creates an unconnected Endpoint for the given transport
// kind and role, to be configured via SetLocalBinding/SetRemoteEndpoint
// and started with Connect.
func NewEndpoint(kind TransportKind, role Role, parser message.Parser, responder Responder) *Endpoint {
	return &Endpoint{
		kind:         kind,
		role:         role,
		parser:       parser,
		responder:    responder,
		peers:        util.NewMap[SocketHandle, *PeerChannel](),
		transactions: NewTransactionTable(),
		events:       make(chan loopEvent, 64),
		closed:       make(chan struct{}),
	}
}

// SetStrictUDPSourceCheck configures whether a UDP datagram from an
// unexpected source is dropped (true) or silently adopted as the new
// remote endpoint (false, the inherited default, spec §9).
func (e *Endpoint) SetStrictUDPSourceCheck(strict bool) { e.strictUDP = strict }

// SetLocalBinding records the local bind address/port. Fails once
// connected (spec §4.1).
func (e *Endpoint) SetLocalBinding(addr string, port int) error {
	if e.connected.Load() {
		return ErrAlreadyConnected
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.localAddr, e.localPort = addr, port
	return nil
}

// SetRemoteEndpoint records the remote address/port for an active
// Endpoint. Fails if addr is empty, port is zero, or already connected.
func (e *Endpoint) SetRemoteEndpoint(addr string, port int) error {
	if e.connected.Load() {
		return ErrAlreadyConnected
	}
	if addr == "" || port == 0 {
		return ErrConfigInvalid
	}
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.remoteAddr, e.remotePort = addr, port
	return nil
}

// Connect establishes the anchor association and starts the event loop
// and retransmit worker. Idempotent: calling it again after a successful
// connect just reports the current state.
func (e *Endpoint) Connect(ctx context.Context) (bool, error) {
	if e.started.Swap(true) {
		return e.connected.Load(), nil
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	pc := newPeerChannel(AnchorHandle, e.kind, e.role, e.parser, e.strictUDP)
	pc.setRegistry(e.Registry)
	pc.setTLSConfig(e.TLSConfig)

	var err error
	switch {
	case e.kind == UDP:
		err = pc.listenSocket(e.ctx, net.JoinHostPort(e.localAddr, strconv.Itoa(e.localPort)))
		if err == nil && e.role == RoleActive {
			var ua *net.UDPAddr
			if ua, err = net.ResolveUDPAddr("udp", net.JoinHostPort(e.remoteAddr, strconv.Itoa(e.remotePort))); err == nil {
				pc.setRemoteAddr(ua)
			}
		}
	case e.role == RolePassive:
		err = pc.listenSocket(e.ctx, net.JoinHostPort(e.localAddr, strconv.Itoa(e.localPort)))
	default: // active TCP/TLS
		err = pc.connectActive(e.ctx, net.JoinHostPort(e.remoteAddr, strconv.Itoa(e.remotePort)))
	}
	if err != nil {
		logger.Printf(logger.ERROR, "[endpoint] connect failed: %v", err)
		return false, err
	}
	e.anchor = pc
	e.peers.Put(AnchorHandle, pc, 0)

	e.wg.Add(2)
	go e.runEventLoop(e.ctx)
	go e.runRetransmitWorker(e.ctx)

	switch {
	case e.kind != UDP && e.role == RolePassive:
		e.wg.Add(1)
		go e.runAcceptLoop(e.ctx, pc)
	default:
		e.wg.Add(1)
		go e.runPeerReader(e.ctx, AnchorHandle, pc)
		if e.role == RoleActive {
			remote := pc.RemoteAddr()
			go func() {
				select {
				case e.events <- loopEvent{kind: evConnected, socket: AnchorHandle, from: remote}:
				case <-e.closed:
				}
			}()
		}
	}

	// Bounded poll matching the original's ~4s/2ms connect wait (spec
	// §4.1); bind/connect above is synchronous, so this resolves almost
	// immediately in practice.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if pc.Connected() {
			e.connected.Store(true)
			return true, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return pc.Connected(), nil
}

// Disconnect closes every socket, signals both workers, and joins them
// with a bounded ~4s wait. Idempotent and safe from any goroutine.
func (e *Endpoint) Disconnect() {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.cancel != nil {
			e.cancel()
		}
		_ = e.peers.ProcessRange(func(_ SocketHandle, pc *PeerChannel, _ int) error {
			_ = pc.CloseSocket()
			return nil
		}, true)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(4 * time.Second):
		logger.Printf(logger.WARN, "[endpoint] workers did not stop within bounded wait")
	}
}

// Send resolves socket to its channel, validates liveness, writes the
// message, and (for a non-retransmission UDP request with a nonzero
// transaction ID) inserts it into the outbound transaction table (spec
// §4.5).
func (e *Endpoint) Send(socket SocketHandle, msg message.Message, isRetransmission bool) error {
	select {
	case <-e.closed:
		return ErrEndpointClosing
	default:
	}
	pc, ok := e.peers.Get(socket, 0)
	if !ok {
		return ErrUnknownSocket
	}
	if pc.Kind().IsStream() && !pc.Connected() {
		return ErrNotConnected
	}
	if err := pc.SendData(msg); err != nil {
		return err
	}
	e.counters.sent.Add(1)
	if pc.Kind() == UDP && !isRetransmission && message.IsRequest(msg.Primitive()) {
		tid := msg.TransactionID()
		if tid == 0 {
			logger.Printf(logger.ERROR, "[endpoint] outgoing request %s has zero transaction ID", msg.Primitive())
		} else {
			e.transactions.Insert(tid, newTransaction(socket, msg))
		}
	}
	return nil
}

// closeOutgoingTransaction matches an incoming answer against the
// outbound transaction table (spec §4.5). Returns 1 if an entry was
// closed, 0 if incoming is not an answer, -1 for a malformed
// zero-transaction-ID answer.
func (e *Endpoint) closeOutgoingTransaction(incoming message.Message) int {
	if !message.IsAnswer(incoming.Primitive()) {
		return 0
	}
	tid := incoming.TransactionID()
	if tid == 0 {
		return -1
	}
	if e.transactions.Remove(tid) {
		return 1
	}
	return 0
}

// AddClient allocates an additional UDP peer channel sharing this
// Endpoint's event loop (spec §4.1). Only valid for UDP endpoints.
func (e *Endpoint) AddClient(localAddr string, port int) (SocketHandle, error) {
	if e.kind != UDP {
		return 0, ErrNotUDP
	}
	handle := SocketHandle(atomic.AddInt64(&e.nextHandle, 1))
	pc := newPeerChannel(handle, UDP, RolePassive, e.parser, e.strictUDP)
	pc.setRegistry(e.Registry)
	if err := pc.listenSocket(e.ctx, net.JoinHostPort(localAddr, strconv.Itoa(port))); err != nil {
		return 0, err
	}
	e.peers.Put(handle, pc, 0)
	e.wg.Add(1)
	go e.runPeerReader(e.ctx, handle, pc)

	// Wake the loop so any cached assumptions about the peer set are
	// refreshed within one iteration (spec §9 self-pipe contract).
	go func() {
		select {
		case e.events <- loopEvent{kind: evControl, ctrl: func() {
			logger.Printf(logger.DBG, "[endpoint] client %d added on %s", handle, pc.LocalAddr())
		}}:
		case <-e.closed:
		}
	}()
	return handle, nil
}

// RemoveClient removes a peer from the peer table from a foreign
// goroutine, taking the peer-table lock implicitly via Map's locking.
func (e *Endpoint) RemoveClient(socket SocketHandle) error {
	pc, ok := e.peers.Get(socket, 0)
	if !ok {
		return ErrUnknownSocket
	}
	e.peers.Delete(socket, 0)
	return pc.CloseSocket()
}

// IsClientActive reports whether socket names a live, connected channel.
func (e *Endpoint) IsClientActive(socket SocketHandle) bool {
	pc, ok := e.peers.Get(socket, 0)
	return ok && pc.Connected()
}

// GetServerInfo returns the anchor's local address and transport kind.
func (e *Endpoint) GetServerInfo() (net.Addr, TransportKind) {
	if e.anchor == nil {
		return nil, e.kind
	}
	return e.anchor.LocalAddr(), e.kind
}

// GetConnectionLocalInfo returns the local and remote address of socket.
func (e *Endpoint) GetConnectionLocalInfo(socket SocketHandle) (local, remote net.Addr, err error) {
	pc, ok := e.peers.Get(socket, 0)
	if !ok {
		return nil, nil, ErrUnknownSocket
	}
	return pc.LocalAddr(), pc.RemoteAddr(), nil
}

// PeerCount returns the number of live peer channels, including the anchor.
func (e *Endpoint) PeerCount() int { return e.peers.Size() }

// TransactionCount returns the number of outstanding outbound transactions.
func (e *Endpoint) TransactionCount() int { return e.transactions.Size() }
