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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bfcp/message"
)

// recordingResponder captures upcalls for assertions.
type recordingResponder struct {
	mu            sync.Mutex
	connected     []SocketHandle
	messages      []message.Message
	disconnected  []SocketHandle
}

func (r *recordingResponder) OnConnected(socket SocketHandle, _ net.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, socket)
}

func (r *recordingResponder) OnMessage(_ SocketHandle, msg message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingResponder) OnDisconnected(socket SocketHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, socket)
}

func (r *recordingResponder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingResponder) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

func (r *recordingResponder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// Scenario 1: active UDP connect + Hello/HelloAck round trip.
func TestActiveUDPHelloAck(t *testing.T) {
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	resp := &recordingResponder{}
	ep := NewEndpoint(UDP, RoleActive, message.DefaultParser{}, resp)
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	if err := ep.SetRemoteEndpoint("127.0.0.1", remoteAddr.Port); err != nil {
		t.Fatal(err)
	}

	ok, err := ep.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	go func() {
		buf := make([]byte, BFCPMaxAllowedSize)
		n, from, err := remote.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := message.DefaultParser{}.Parse(buf[:n])
		if err != nil || msg.Primitive() != message.Hello {
			return
		}
		ack := message.DefaultParser{}.New(message.HelloAck, msg.TransactionID(), nil)
		_, _ = remote.WriteTo(ack.Bytes(), from)
	}()

	hello := message.DefaultParser{}.New(message.Hello, 7, nil)
	if err := ep.Send(AnchorHandle, hello, false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ep.TransactionCount() != 1 {
		t.Fatalf("expected 1 outstanding transaction, got %d", ep.TransactionCount())
	}

	waitFor(t, func() bool { return resp.messageCount() == 1 }, 2*time.Second)
	waitFor(t, func() bool { return ep.TransactionCount() == 0 }, time.Second)
}

// generateSelfSignedCert builds an ephemeral ECDSA certificate valid for
// 127.0.0.1, for exercising the TLS handshake path without a fixture file.
func generateSelfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return
}

// Scenario: a passive TLS Endpoint completes a real crypto/tls handshake
// before admitting a peer, and frames a message over the encrypted
// connection exactly like the equivalent plain-TCP scenario.
func TestPassiveTLSHandshakeAndFrame(t *testing.T) {
	certPEM, keyPEM := generateSelfSignedCert(t)
	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}

	resp := &recordingResponder{}
	ep := NewEndpoint(TLS, RolePassive, message.DefaultParser{}, resp)
	ep.TLSConfig = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	addr, kind := ep.GetServerInfo()
	if kind != TLS {
		t.Fatalf("kind = %v, want TLS", kind)
	}

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return resp.connectedCount() == 1 }, time.Second)

	hello := message.DefaultParser{}.New(message.Hello, 1, nil)
	if _, err := conn.Write(hello.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return resp.messageCount() == 1 }, time.Second)
}

// Scenario: a TLS Endpoint with no TLSConfig fails setup instead of
// silently behaving as plain TCP.
func TestTLSWithoutConfigFailsSetup(t *testing.T) {
	ep := NewEndpoint(TLS, RolePassive, message.DefaultParser{}, &recordingResponder{})
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Connect(context.Background())
	if err == nil || ok {
		t.Fatalf("expected connect to fail without a TLS configuration, got ok=%v err=%v", ok, err)
	}
}

// Scenario 3: passive TCP accepts two peers with distinct handles; closing
// one yields exactly one OnDisconnected for that socket.
func TestPassiveTCPAcceptTwoPeers(t *testing.T) {
	resp := &recordingResponder{}
	ep := NewEndpoint(TCP, RolePassive, message.DefaultParser{}, resp)
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	addr, _ := ep.GetServerInfo()

	c1, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	waitFor(t, func() bool { return resp.connectedCount() == 1 }, time.Second)

	c2, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	waitFor(t, func() bool { return resp.connectedCount() == 2 }, time.Second)

	resp.mu.Lock()
	s1, s2 := resp.connected[0], resp.connected[1]
	resp.mu.Unlock()
	if s1 == s2 {
		t.Fatalf("expected distinct socket handles, got %d and %d", s1, s2)
	}

	c1.Close()
	waitFor(t, func() bool { return resp.disconnectCount() == 1 }, time.Second)
	resp.mu.Lock()
	got := resp.disconnected[0]
	resp.mu.Unlock()
	if got != s1 {
		t.Fatalf("expected disconnect for %d, got %d", s1, got)
	}

	hello := message.DefaultParser{}.New(message.Hello, 1, []byte("ping"))
	if err := ep.Send(s2, hello, false); err != nil {
		t.Fatalf("send to surviving peer: %v", err)
	}
}

// Scenario 4: a TCP header delivered in 6+6 byte chunks, then the payload
// in bursts, must frame into exactly one message with monotonic cursors.
func TestTCPSegmentedHeader(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srvDone := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			srvDone <- conn
		}
	}()

	cliConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer cliConn.Close()
	srvConn := <-srvDone
	defer srvConn.Close()

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}
	full := message.DefaultParser{}.New(message.FloorRequest, 99, payload).Bytes()

	pc := newPeerChannel(AnchorHandle, TCP, RolePassive, message.DefaultParser{}, false)
	if err := pc.acceptedFrom(srvConn); err != nil {
		t.Fatal(err)
	}

	var lastIdx, lastSize int
	resultCh := make(chan struct {
		status ReadStatus
		msg    message.Message
		err    error
	}, 1)
	go func() {
		status, msg, err := pc.readFrameStream()
		for status == NeedMore && err == nil {
			status, msg, err = pc.readFrameStream()
		}
		resultCh <- struct {
			status ReadStatus
			msg    message.Message
			err    error
		}{status, msg, err}
	}()

	// write sends one chunk and checks the cursors afterwards: while the
	// message is still accumulating they must not decrease; once the
	// chunk completes the message they are reset for the next frame.
	write := func(b []byte, completes bool) {
		if _, err := cliConn.Write(b); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
		idx, size := pc.Cursors()
		if completes {
			if idx != 0 || size != 0 {
				t.Fatalf("cursors not reset after framing: idx %d size %d", idx, size)
			}
			return
		}
		if idx < lastIdx || size < lastSize {
			t.Fatalf("cursors decreased: idx %d->%d size %d->%d", lastIdx, idx, lastSize, size)
		}
		lastIdx, lastSize = idx, size
	}

	write(full[0:6], false)
	write(full[6:12], false)
	write(full[12:1012], false)
	write(full[1012:], true)

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("framing error: %v", r.err)
		}
		if r.status != MessageReady {
			t.Fatalf("expected MessageReady, got %v", r.status)
		}
		if r.msg.Primitive() != message.FloorRequest || r.msg.TransactionID() != 99 {
			t.Fatalf("unexpected message: %v/%d", r.msg.Primitive(), r.msg.TransactionID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for framed message")
	}
}

// Scenario 5: a duplicate UDP FloorRequest within T1 triggers exactly one
// application-level OnMessage; the server resends the cached answer.
func TestUDPDuplicateFloorRequestDedup(t *testing.T) {
	var floorRequests int32
	resp := &countingRequestResponder{onFloorRequest: func() { atomic.AddInt32(&floorRequests, 1) }}

	ep := NewEndpoint(UDP, RolePassive, message.DefaultParser{}, resp)
	resp.ep = ep
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	addr, _ := ep.GetServerInfo()
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	req := message.DefaultParser{}.New(message.FloorRequest, 42, nil).Bytes()
	srvAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.WriteTo(req, srvAddr); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&floorRequests) == 1 }, time.Second)

	// The server must answer on the anchor's peer channel before the
	// duplicate can be deduped from cache.
	waitFor(t, func() bool {
		pc, ok := ep.peers.Get(AnchorHandle, 0)
		return ok && func() bool {
			_, dup := pc.handleRemoteRetrans(42)
			return dup
		}()
	}, time.Second)

	if _, err := client.WriteTo(req, srvAddr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&floorRequests); got != 1 {
		t.Fatalf("expected exactly one OnMessage(FloorRequest), got %d", got)
	}
}

type countingRequestResponder struct {
	NopResponder
	onFloorRequest func()
	ep             *Endpoint
}

func (r *countingRequestResponder) OnMessage(socket SocketHandle, msg message.Message) {
	if msg.Primitive() != message.FloorRequest {
		return
	}
	r.onFloorRequest()
	if r.ep != nil {
		ans := message.DefaultParser{}.New(message.FloorRequestStatus, msg.TransactionID(), nil)
		_ = r.ep.Send(socket, ans, false)
	}
}

// Scenario 6: the cached GoodbyeAck's own expiration is the only signal
// that truly disconnects a peer; it fires at expiry and not before.
func TestGoodbyeRetentionWindow(t *testing.T) {
	pc := newPeerChannel(1, UDP, RolePassive, message.DefaultParser{}, false)
	ack := message.DefaultParser{}.New(message.GoodbyeAck, 5, nil)
	pc.cacheAnswer(ack)

	if disconnect := pc.checkExpiredAnswers(time.Now()); disconnect {
		t.Fatal("GoodbyeAck expired before its retention window elapsed")
	}
	if disconnect := pc.checkExpiredAnswers(time.Now().Add(answerRetention - time.Millisecond)); disconnect {
		t.Fatal("GoodbyeAck expired one millisecond early")
	}
	if disconnect := pc.checkExpiredAnswers(time.Now().Add(answerRetention + time.Millisecond)); !disconnect {
		t.Fatal("GoodbyeAck did not expire after its retention window")
	}
}

// Quantified invariant: T1 intervals are 500ms, 1s, 2s, 4s, 8s, so the
// retransmissions fall at 0.5s, 1.5s, 3.5s, 7.5s and 15.5s cumulative;
// the 6th retransmission (past the ceiling) never fires.
func TestT1ScheduleSequence(t *testing.T) {
	tt := NewTransactionTable()
	tx := newTransaction(AnchorHandle, message.DefaultParser{}.New(message.Hello, 1, nil))
	start := time.Now()
	tt.Insert(1, tx)

	cumulative := []time.Duration{
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
		7500 * time.Millisecond,
		15500 * time.Millisecond,
	}
	for i, d := range cumulative {
		now := start.Add(d)
		toResend, expired, _ := tt.sweep(now)
		if expired != nil {
			t.Fatalf("retransmission %d: transaction expired prematurely", i+1)
		}
		if len(toResend) != 1 {
			t.Fatalf("retransmission %d: expected exactly one resend, got %d", i+1, len(toResend))
		}
	}

	// One more sweep past the ceiling: no resend, permanent expiry.
	toResend, expired, _ := tt.sweep(start.Add(15500*time.Millisecond + time.Second))
	if len(toResend) != 0 {
		t.Fatalf("expected no 6th retransmission, got %d", len(toResend))
	}
	if expired == nil {
		t.Fatal("expected transaction to permanently expire past the T1 ceiling")
	}
}

// Scenario: PeerRegistry gates the first UDP datagram from a new source
// the same way it gates a TCP accept; a denylisted sender never reaches
// the Responder and its datagram counts as dropped.
func TestUDPRegistryRejectsUnknownSource(t *testing.T) {
	resp := &recordingResponder{}
	ep := NewEndpoint(UDP, RolePassive, message.DefaultParser{}, resp)
	ep.Registry = denyAllRegistry{}
	if err := ep.SetLocalBinding("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	ok, err := ep.Connect(context.Background())
	if err != nil || !ok {
		t.Fatalf("connect failed: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	addr, _ := ep.GetServerInfo()
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	srvAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	hello := message.DefaultParser{}.New(message.Hello, 1, nil).Bytes()
	if _, err := client.WriteTo(hello, srvAddr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := resp.messageCount(); got != 0 {
		t.Fatalf("expected the registry to reject the unknown source, got %d messages", got)
	}

	pc, ok := ep.peers.Get(AnchorHandle, 0)
	if !ok {
		t.Fatal("anchor channel missing")
	}
	if got := pc.DroppedCount(); got == 0 {
		t.Fatal("expected the rejected datagram to be counted as dropped")
	}
}

// denyAllRegistry rejects every address; used to exercise the UDP
// first-datagram registry touchpoint in readFrameUDP.
type denyAllRegistry struct{}

func (denyAllRegistry) Allow(string) bool { return false }

// Round-trip idempotence: a retransmitted send never duplicates the
// outbound table entry.
func TestSendRetransmissionDoesNotDuplicateEntry(t *testing.T) {
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()
	remoteAddr := remote.LocalAddr().(*net.UDPAddr)

	resp := &recordingResponder{}
	ep := NewEndpoint(UDP, RoleActive, message.DefaultParser{}, resp)
	_ = ep.SetLocalBinding("127.0.0.1", 0)
	_ = ep.SetRemoteEndpoint("127.0.0.1", remoteAddr.Port)
	if ok, err := ep.Connect(context.Background()); err != nil || !ok {
		t.Fatalf("connect: ok=%v err=%v", ok, err)
	}
	defer ep.Disconnect()

	hello := message.DefaultParser{}.New(message.Hello, 3, nil)
	if err := ep.Send(AnchorHandle, hello, false); err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(AnchorHandle, hello, true); err != nil {
		t.Fatal(err)
	}
	if ep.TransactionCount() != 1 {
		t.Fatalf("expected exactly one outbound transaction after retransmission, got %d", ep.TransactionCount())
	}
}
