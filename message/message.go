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

// Package message defines the opaque message contract the connection
// engine is built against. Parsing and serialization of BFCP primitives
// is an external collaborator (see Parser); the engine only ever touches
// a Message through its accessor methods.
package message

import (
	"errors"
	"fmt"

	"github.com/bfix/gospel/data"
)

// Primitive identifies the kind of a BFCP message (RFC 4582 §5.2).
type Primitive uint8

// Primitives used by the connection engine to classify transactions.
// Values follow the BFCP PRIMITIVE field assignment.
const (
	Hello Primitive = iota + 1
	HelloAck
	FloorRequest
	FloorRelease
	FloorRequestQuery
	FloorRequestStatus
	UserQuery
	UserStatus
	FloorQuery
	FloorStatus
	ChairAction
	ChairActionAck
	Goodbye
	GoodbyeAck
)

func (p Primitive) String() string {
	switch p {
	case Hello:
		return "Hello"
	case HelloAck:
		return "HelloAck"
	case FloorRequest:
		return "FloorRequest"
	case FloorRelease:
		return "FloorRelease"
	case FloorRequestQuery:
		return "FloorRequestQuery"
	case FloorRequestStatus:
		return "FloorRequestStatus"
	case UserQuery:
		return "UserQuery"
	case UserStatus:
		return "UserStatus"
	case FloorQuery:
		return "FloorQuery"
	case FloorStatus:
		return "FloorStatus"
	case ChairAction:
		return "ChairAction"
	case ChairActionAck:
		return "ChairActionAck"
	case Goodbye:
		return "Goodbye"
	case GoodbyeAck:
		return "GoodbyeAck"
	}
	return fmt.Sprintf("Primitive(%d)", uint8(p))
}

// RequestSet holds the primitives that start a transaction. FloorRequestStatus
// appears here too: a server may push an unsolicited status notification,
// which itself behaves like a request awaiting FloorRequestStatusAck.
var RequestSet = map[Primitive]bool{
	Hello:              true,
	Goodbye:            true,
	FloorRequest:       true,
	FloorRelease:       true,
	FloorRequestQuery:  true,
	UserQuery:          true,
	FloorQuery:         true,
	ChairAction:        true,
	FloorRequestStatus: true,
}

// AnswerSet holds the primitives that close a transaction as an answer.
var AnswerSet = map[Primitive]bool{
	HelloAck:              true,
	GoodbyeAck:             true,
	FloorRequestStatus:     true,
	UserStatus:             true,
	FloorStatus:            true,
	ChairActionAck:         true,
	FloorRequestStatusAck:  true,
	FloorStatusAck:         true,
}

// These two answer-only primitives close out FloorRequestStatus and
// FloorStatus pushes; they never start a transaction themselves.
const (
	FloorRequestStatusAck Primitive = iota + 100
	FloorStatusAck
)

// IsRequest reports whether p starts a transaction.
func IsRequest(p Primitive) bool { return RequestSet[p] }

// IsAnswer reports whether p closes a transaction.
func IsAnswer(p Primitive) bool { return AnswerSet[p] }

// ErrTruncated is returned by a Parser when buf does not yet hold a
// complete message (the caller should keep reading).
var ErrTruncated = errors.New("message: truncated")

// ErrMalformed is returned when buf can never become a valid message.
var ErrMalformed = errors.New("message: malformed")

// Message is the opaque, already-framed representation the engine
// operates on. Concrete shape and any further field accessors belong
// to the application layer; the engine only needs these four.
type Message interface {
	// Primitive returns the message kind.
	Primitive() Primitive

	// TransactionID returns the 16-bit transaction identifier, or 0 if
	// the primitive does not carry one.
	TransactionID() uint16

	// Bytes returns the wire-framed representation, header included.
	Bytes() []byte

	// Copy returns a deep copy that shares no storage with the receiver.
	Copy() Message
}

// HeaderLen is the size in bytes of the common BFCP header (RFC 4582 §5.1).
const HeaderLen = 12

// Parser turns framed bytes on the wire into a Message and back. It is
// the external collaborator the connection engine is built against;
// swap in a real RFC 4582 codec without touching the engine.
type Parser interface {
	// HeaderLen returns the fixed header size in bytes.
	HeaderLen() int

	// PayloadLen returns the number of payload bytes a complete header
	// promises, decoded from the header's length field (4-octet units).
	PayloadLen(header []byte) (int, error)

	// Parse decodes one complete, framed message (header + payload).
	Parse(buf []byte) (Message, error)

	// New builds a wire-ready Message for the given primitive and
	// transaction ID, wrapping an application-supplied payload.
	New(prim Primitive, transactionID uint16, payload []byte) Message
}

// rawMessage is the default Message implementation: an opaque byte
// buffer plus the two fields the engine needs to classify it.
type rawMessage struct {
	buf  []byte
	prim Primitive
	tid  uint16
}

func (m *rawMessage) Primitive() Primitive   { return m.prim }
func (m *rawMessage) TransactionID() uint16  { return m.tid }
func (m *rawMessage) Bytes() []byte          { return m.buf }
func (m *rawMessage) Copy() Message {
	cp := make([]byte, len(m.buf))
	copy(cp, m.buf)
	return &rawMessage{buf: cp, prim: m.prim, tid: m.tid}
}

// bfcpHeader is the wire layout of the common BFCP header (RFC 4582 §5.1),
// (un)marshaled with gospel/data the way the common GNUnet message header
// is: a plain struct with `order:"big"` tags, no manual bit-shifting.
type bfcpHeader struct {
	VerFlags  uint8  `order:"big"` // version (3 bits) / R / F / reserved
	Primitive uint8  `order:"big"`
	Length    uint16 `order:"big"` // payload length in 4-octet units
	ConfID    uint32 `order:"big"`
	TID       uint16 `order:"big"`
	UserID    uint16 `order:"big"`
}

// DefaultParser implements the RFC 4582 common header layout on top of
// bfcpHeader, so the engine has something runnable out of the box.
type DefaultParser struct{}

func (DefaultParser) HeaderLen() int { return HeaderLen }

func (DefaultParser) PayloadLen(header []byte) (int, error) {
	if len(header) < HeaderLen {
		return 0, ErrTruncated
	}
	h := new(bfcpHeader)
	if err := data.Unmarshal(h, header[:HeaderLen]); err != nil {
		return 0, ErrMalformed
	}
	return int(h.Length) * 4, nil
}

func (p DefaultParser) Parse(buf []byte) (Message, error) {
	if len(buf) < HeaderLen {
		return nil, ErrTruncated
	}
	h := new(bfcpHeader)
	if err := data.Unmarshal(h, buf[:HeaderLen]); err != nil {
		return nil, ErrMalformed
	}
	payloadLen := int(h.Length) * 4
	if len(buf) < HeaderLen+payloadLen {
		return nil, ErrTruncated
	}
	cp := make([]byte, HeaderLen+payloadLen)
	copy(cp, buf[:HeaderLen+payloadLen])
	return &rawMessage{buf: cp, prim: Primitive(h.Primitive), tid: h.TID}, nil
}

func (DefaultParser) New(prim Primitive, transactionID uint16, payload []byte) Message {
	units := (len(payload) + 3) / 4
	h := &bfcpHeader{
		VerFlags:  0x20, // version 1, no fragmentation
		Primitive: uint8(prim),
		Length:    uint16(units),
		TID:       transactionID,
	}
	hb, err := data.Marshal(h)
	if err != nil {
		// bfcpHeader is a fixed, all-numeric layout; Marshal only fails
		// on reflection mismatches a constant struct cannot produce.
		panic(err)
	}
	buf := make([]byte, HeaderLen+units*4)
	copy(buf, hb)
	copy(buf[HeaderLen:], payload)
	return &rawMessage{buf: buf, prim: prim, tid: transactionID}
}
