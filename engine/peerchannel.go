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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bfcp/message"

	"github.com/bfix/gospel/logger"
)

// ReadStatus is the outcome of one framing attempt on a PeerChannel
// (spec §4.2 ReadData).
type ReadStatus uint8

const (
	NeedMore ReadStatus = iota
	MessageReady
	DroppedInvalid
	Fatal
)

// PeerChannel represents one logical association with a remote party:
// the anchor, a TCP-accepted peer, or a UDP client added via AddClient
// (spec §3).
type PeerChannel struct {
	handle SocketHandle
	kind   TransportKind
	role   Role
	parser message.Parser

	// strictUDP disables the "adopt any source address" quirk (spec §9).
	strictUDP bool

	// registry gates which remote addresses may be adopted as this
	// channel's peer; nil allows everyone. Only consulted for UDP, where
	// readFrameUDP is the point a new source is first admitted — the
	// stream equivalent is the accept-loop's own Registry.Allow check.
	registry PeerAllower

	// tlsConfig carries the handshake material for kind == TLS; unused
	// for TCP/UDP.
	tlsConfig *tls.Config

	listener net.Listener   // passive TCP/TLS
	conn     net.Conn       // active/accepted TCP/TLS
	pconn    net.PacketConn // UDP (any role)

	localAddr net.Addr

	remoteMu  sync.Mutex
	remoteAddr net.Addr

	// Stream framing cursors (spec invariant 4: recvIdx <= msgSize <=
	// BFCPMaxAllowedSize).
	recvBuf []byte
	recvIdx int
	msgSize int

	answerMu    sync.Mutex
	answerCache map[uint16]*Transaction

	connected atomic.Bool
	dropped   atomic.Int64
}

func newPeerChannel(handle SocketHandle, kind TransportKind, role Role, parser message.Parser, strictUDP bool) *PeerChannel {
	return &PeerChannel{
		handle:      handle,
		kind:        kind,
		role:        role,
		parser:      parser,
		strictUDP:   strictUDP,
		recvBuf:     make([]byte, BFCPMaxAllowedSize),
		answerCache: make(map[uint16]*Transaction),
	}
}

// setRegistry wires the owning Endpoint's PeerAllower into the channel,
// so readFrameUDP can consult it before admitting a new source address.
func (pc *PeerChannel) setRegistry(registry PeerAllower) { pc.registry = registry }

// setTLSConfig wires the owning Endpoint's TLS handshake material into
// the channel; a nil config on a TLS-kind channel fails setup.
func (pc *PeerChannel) setTLSConfig(cfg *tls.Config) { pc.tlsConfig = cfg }

// Handle returns the socket handle this channel is keyed by in the peer
// table (spec invariant 1).
func (pc *PeerChannel) Handle() SocketHandle { return pc.handle }

// Kind returns the transport kind.
func (pc *PeerChannel) Kind() TransportKind { return pc.kind }

// LocalAddr returns the bound/connected local address.
func (pc *PeerChannel) LocalAddr() net.Addr { return pc.localAddr }

// RemoteAddr returns the remote address, or nil until learned.
func (pc *PeerChannel) RemoteAddr() net.Addr {
	pc.remoteMu.Lock()
	defer pc.remoteMu.Unlock()
	return pc.remoteAddr
}

func (pc *PeerChannel) setRemoteAddr(addr net.Addr) {
	pc.remoteMu.Lock()
	pc.remoteAddr = addr
	pc.remoteMu.Unlock()
}

// Connected reports whether the channel completed bind/connect/listen
// (spec invariant 5).
func (pc *PeerChannel) Connected() bool { return pc.connected.Load() }

// Cursors exposes the stream framing state for tests that exercise the
// segmented-header scenario (spec §8 scenario 4).
func (pc *PeerChannel) Cursors() (recvIdx, msgSize int) { return pc.recvIdx, pc.msgSize }

// DroppedCount returns the number of frames this channel has discarded
// as invalid, oversized, or from an unexpected UDP source.
func (pc *PeerChannel) DroppedCount() int64 { return pc.dropped.Load() }

func (pc *PeerChannel) resetRecv() {
	pc.recvIdx = 0
	pc.msgSize = 0
}

//----------------------------------------------------------------------
// Socket creation (spec §4.2 CreateSocket)
//----------------------------------------------------------------------

// listenSocket binds a passive stream socket or any UDP socket at localAddr.
func (pc *PeerChannel) listenSocket(ctx context.Context, localAddr string) error {
	switch pc.kind {
	case UDP:
		lc := net.ListenConfig{Control: reuseAddrControl}
		conn, err := lc.ListenPacket(ctx, "udp", localAddr)
		if err != nil {
			return newSetupError("bind", err)
		}
		pc.pconn = conn
		pc.localAddr = conn.LocalAddr()
	case TCP:
		lc := net.ListenConfig{Control: reuseAddrControl}
		ln, err := lc.Listen(ctx, "tcp", localAddr)
		if err != nil {
			return newSetupError("bind", err)
		}
		pc.listener = ln
		pc.localAddr = ln.Addr()
	case TLS:
		if pc.tlsConfig == nil {
			return newSetupError("tls handshake", errors.New("no TLS configuration supplied"))
		}
		lc := net.ListenConfig{Control: reuseAddrControl}
		ln, err := lc.Listen(ctx, "tcp", localAddr)
		if err != nil {
			return newSetupError("bind", err)
		}
		pc.listener = tls.NewListener(ln, pc.tlsConfig)
		pc.localAddr = ln.Addr()
	}
	pc.connected.Store(true)
	return nil
}

// connectActive dials an active stream socket, applying the same
// REUSEADDR + KEEPALIVE tuning the original CreateSocket applies before
// populating local/remote via LocalAddr/RemoteAddr (the Go analogue of
// getsockname/getpeername).
func (pc *PeerChannel) connectActive(ctx context.Context, remoteAddr string) error {
	d := net.Dialer{Control: reuseAddrControl, Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		return newSetupError("socket", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Approximates the original's idle=60s/count=10/interval=10s
		// keepalive tuning; stdlib net only exposes a single period.
		if err := tc.SetKeepAlive(true); err != nil {
			conn.Close()
			return newSetupError("setsockopt", err)
		}
		if err := tc.SetKeepAlivePeriod(10 * time.Second); err != nil {
			conn.Close()
			return newSetupError("setsockopt", err)
		}
	}

	if pc.kind == TLS {
		if pc.tlsConfig == nil {
			conn.Close()
			return newSetupError("tls handshake", errors.New("no TLS configuration supplied"))
		}
		cfg := pc.tlsConfig
		if cfg.ServerName == "" {
			// Verify the peer against the dialed host, as tls.Dial does.
			cfg = cfg.Clone()
			if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
				cfg.ServerName = host
			}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return newSetupError("tls handshake", err)
		}
		conn = tlsConn
	}

	pc.conn = conn
	pc.localAddr = conn.LocalAddr()
	pc.setRemoteAddr(conn.RemoteAddr())
	pc.connected.Store(true)
	return nil
}

// acceptedFrom wraps an already-accepted stream connection as a peer
// channel (spec §4.4 step 5, passive-stream arm). For a TLS-kind channel
// conn is the *tls.Conn a TLS listener's Accept produced; the handshake
// is driven to completion here rather than lazily on first Read/Write,
// so a failed handshake surfaces before the peer is handed to the engine.
func (pc *PeerChannel) acceptedFrom(conn net.Conn) error {
	if pc.kind == TLS {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			return newSetupError("tls handshake", errors.New("accepted connection is not TLS"))
		}
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			conn.Close()
			return newSetupError("tls handshake", err)
		}
	}
	pc.conn = conn
	pc.localAddr = conn.LocalAddr()
	pc.setRemoteAddr(conn.RemoteAddr())
	pc.connected.Store(true)
	return nil
}

//----------------------------------------------------------------------
// Reading (spec §4.2 ReadData)
//----------------------------------------------------------------------

// ReadOneMessage blocks until one full message is framed, the transport
// reports a fatal error, or the channel is closed. Dropped/invalid
// frames are transparently skipped so the caller always gets either a
// message or a terminal condition.
func (pc *PeerChannel) ReadOneMessage() (ReadStatus, message.Message, net.Addr, error) {
	for {
		var (
			status ReadStatus
			msg    message.Message
			from   net.Addr
			err    error
		)
		if pc.kind == UDP {
			status, msg, from, err = pc.readFrameUDP()
		} else {
			status, msg, err = pc.readFrameStream()
			from = pc.RemoteAddr()
		}
		if err != nil {
			return Fatal, nil, from, err
		}
		if status == NeedMore || status == DroppedInvalid {
			continue
		}
		return status, msg, from, nil
	}
}

// readFrameUDP reads one datagram. A datagram from an unexpected source
// either overwrites the remote endpoint (default, spec §9 quirk) or is
// dropped (StrictUDPSourceCheck).
func (pc *PeerChannel) readFrameUDP() (ReadStatus, message.Message, net.Addr, error) {
	buf := make([]byte, BFCPMaxAllowedSize)
	n, from, err := pc.pconn.ReadFrom(buf)
	if err != nil {
		return Fatal, nil, nil, err
	}
	if n == 0 {
		return Fatal, nil, nil, io.EOF
	}

	pc.remoteMu.Lock()
	switch {
	case pc.remoteAddr == nil:
		if pc.registry != nil && !pc.registry.Allow(from.String()) {
			pc.remoteMu.Unlock()
			pc.dropped.Add(1)
			logger.Printf(logger.WARN, "[peerchannel %d] rejecting first datagram from %s (not in registry)", pc.handle, from)
			return DroppedInvalid, nil, from, nil
		}
		pc.remoteAddr = from
	case pc.remoteAddr.String() != from.String():
		if pc.strictUDP {
			pc.remoteMu.Unlock()
			pc.dropped.Add(1)
			logger.Printf(logger.WARN, "[peerchannel %d] dropping datagram from unexpected source %s", pc.handle, from)
			return DroppedInvalid, nil, from, nil
		}
		if pc.registry != nil && !pc.registry.Allow(from.String()) {
			pc.remoteMu.Unlock()
			pc.dropped.Add(1)
			logger.Printf(logger.WARN, "[peerchannel %d] rejecting new source %s (not in registry)", pc.handle, from)
			return DroppedInvalid, nil, from, nil
		}
		logger.Printf(logger.WARN, "[peerchannel %d] datagram from unexpected source %s, adopting as new remote (quirk preserved)", pc.handle, from)
		pc.remoteAddr = from
	}
	pc.remoteMu.Unlock()

	msg, perr := pc.parser.Parse(buf[:n])
	if perr != nil {
		pc.dropped.Add(1)
		return DroppedInvalid, nil, from, nil
	}
	return MessageReady, msg, from, nil
}

// readFrameStream performs at most two Read calls against the stream
// socket (the header remainder, then, once the header is complete, the
// payload) and advances the header/payload cursors (spec §4.2, invariant 4).
func (pc *PeerChannel) readFrameStream() (ReadStatus, message.Message, error) {
	hdrLen := pc.parser.HeaderLen()

	if pc.recvIdx < hdrLen {
		n, err := pc.conn.Read(pc.recvBuf[pc.recvIdx:hdrLen])
		if err != nil {
			return Fatal, nil, err
		}
		if n == 0 {
			return Fatal, nil, io.EOF
		}
		pc.recvIdx += n
		if pc.recvIdx < hdrLen {
			return NeedMore, nil, nil
		}
		payloadLen, err := pc.parser.PayloadLen(pc.recvBuf[:hdrLen])
		if err != nil {
			pc.dropped.Add(1)
			pc.resetRecv()
			return DroppedInvalid, nil, nil
		}
		pc.msgSize = hdrLen + payloadLen
		if pc.msgSize > BFCPMaxAllowedSize {
			logger.Printf(logger.WARN, "[peerchannel %d] oversized message (%d bytes), dropping", pc.handle, pc.msgSize)
			pc.dropped.Add(1)
			pc.resetRecv()
			return DroppedInvalid, nil, nil
		}
	}

	if pc.recvIdx < pc.msgSize {
		n, err := pc.conn.Read(pc.recvBuf[pc.recvIdx:pc.msgSize])
		if err != nil {
			return Fatal, nil, err
		}
		if n == 0 {
			return Fatal, nil, io.EOF
		}
		pc.recvIdx += n
		if pc.recvIdx < pc.msgSize {
			return NeedMore, nil, nil
		}
	}

	msg, err := pc.parser.Parse(pc.recvBuf[:pc.msgSize])
	pc.resetRecv()
	if err != nil {
		pc.dropped.Add(1)
		return DroppedInvalid, nil, nil
	}
	return MessageReady, msg, nil
}

//----------------------------------------------------------------------
// Sending (spec §4.2 SendData)
//----------------------------------------------------------------------

// SendData writes msg on the channel, caching it in the answer cache if
// it is an answer primitive sent over UDP (spec §4.2/§4.3).
func (pc *PeerChannel) SendData(msg message.Message) error {
	if pc.kind == UDP {
		return pc.sendUDP(msg)
	}
	return pc.sendStream(msg)
}

func (pc *PeerChannel) sendUDP(msg message.Message) error {
	remote := pc.RemoteAddr()
	if remote == nil {
		return ErrNotConnected
	}
	buf := msg.Bytes()
	if _, err := pc.pconn.WriteTo(buf, remote); err != nil {
		return err
	}
	if message.IsAnswer(msg.Primitive()) && msg.TransactionID() != 0 {
		pc.cacheAnswer(msg)
	}
	return nil
}

const streamChunkSize = 1400

func (pc *PeerChannel) sendStream(msg message.Message) error {
	if pc.conn == nil {
		return ErrNotConnected
	}
	buf := msg.Bytes()
	for off := 0; off < len(buf); {
		end := off + streamChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		if err := pc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return err
		}
		n, err := pc.conn.Write(buf[off:end])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return ErrWriteTimeout
			}
			return err
		}
		off += n
	}
	return nil
}

// CloseSocket performs a graceful shutdown then close.
func (pc *PeerChannel) CloseSocket() error {
	switch {
	case pc.conn != nil:
		if tc, ok := pc.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return pc.conn.Close()
	case pc.pconn != nil:
		return pc.pconn.Close()
	case pc.listener != nil:
		return pc.listener.Close()
	}
	return nil
}

//----------------------------------------------------------------------
// Answer cache (spec §4.3, §9 open question: dedup is enabled here)
//----------------------------------------------------------------------

func (pc *PeerChannel) cacheAnswer(msg message.Message) {
	pc.answerMu.Lock()
	defer pc.answerMu.Unlock()
	pc.answerCache[msg.TransactionID()] = newAnswerEntry(pc.handle, msg)
}

// handleRemoteRetrans looks up tid in the answer cache. A hit means the
// incoming message is a duplicate request we already answered; the
// caller should resend the cached answer instead of re-invoking the
// application (spec §8 scenario 5).
func (pc *PeerChannel) handleRemoteRetrans(tid uint16) (message.Message, bool) {
	if tid == 0 {
		return nil, false
	}
	pc.answerMu.Lock()
	defer pc.answerMu.Unlock()
	t, ok := pc.answerCache[tid]
	if !ok {
		return nil, false
	}
	return t.Message(), true
}

// checkExpiredAnswers ages out the answer cache. A cached GoodbyeAck
// expiring is the sole signal that the peer is really gone (spec §4.3,
// §8 scenario 6); all other expirations age out silently.
func (pc *PeerChannel) checkExpiredAnswers(now time.Time) (disconnect bool) {
	pc.answerMu.Lock()
	defer pc.answerMu.Unlock()
	for tid, t := range pc.answerCache {
		if !now.Before(t.expires) {
			if t.msg.Primitive() == message.GoodbyeAck {
				disconnect = true
			}
			delete(pc.answerCache, tid)
		}
	}
	return
}
