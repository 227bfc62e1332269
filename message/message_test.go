// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package message

import "testing"

func TestDefaultParserRoundTrip(t *testing.T) {
	var p DefaultParser
	payload := []byte("floor-request-payload")
	m := p.New(FloorRequest, 42, payload)

	parsed, err := p.Parse(m.Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Primitive() != FloorRequest {
		t.Fatalf("primitive = %v, want FloorRequest", parsed.Primitive())
	}
	if parsed.TransactionID() != 42 {
		t.Fatalf("transaction id = %d, want 42", parsed.TransactionID())
	}
}

func TestDefaultParserTruncated(t *testing.T) {
	var p DefaultParser
	if _, err := p.Parse(make([]byte, 4)); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	full := p.New(Hello, 1, []byte("x"))
	buf := full.Bytes()
	if _, err := p.Parse(buf[:len(buf)-1]); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated for short payload", err)
	}
}

func TestCopyIsIndependent(t *testing.T) {
	var p DefaultParser
	m := p.New(Goodbye, 7, []byte("bye"))
	cp := m.Copy()
	cp.Bytes()[1] = 0xFF
	if m.Bytes()[1] == 0xFF {
		t.Fatalf("Copy shares storage with original")
	}
}

func TestClassification(t *testing.T) {
	if !IsRequest(FloorRequest) || IsAnswer(FloorRequest) {
		t.Fatalf("FloorRequest must classify as request-only")
	}
	if !IsAnswer(HelloAck) || IsRequest(HelloAck) {
		t.Fatalf("HelloAck must classify as answer-only")
	}
	if !IsRequest(FloorRequestStatus) || !IsAnswer(FloorRequestStatus) {
		t.Fatalf("FloorRequestStatus must classify as both request and answer")
	}
}
