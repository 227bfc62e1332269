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
	"net"

	"bfcp/message"
)

// Responder is the upcall surface an application implements to receive
// connection-level events from the Endpoint (spec §4.1). OnConnected and
// OnMessage are invoked from the event-loop goroutine only, strictly
// ordered per peer, and never concurrently across peers. OnDisconnected
// comes from the event loop or, for a permanently expired transaction,
// from the retransmit worker, so it may run concurrently with the other
// upcalls. Implementations must not block.
type Responder interface {
	// OnConnected fires once per socket, before any OnMessage for it.
	OnConnected(socket SocketHandle, remote net.Addr)

	// OnMessage delivers one fully framed, parsed message for socket.
	OnMessage(socket SocketHandle, msg message.Message)

	// OnDisconnected fires at most once per socket (the Endpoint does
	// not deduplicate between the event loop and the retransmit worker;
	// implementations must tolerate receiving it once from either).
	OnDisconnected(socket SocketHandle)
}

// NopResponder implements Responder with no-op methods, useful for
// engines driven purely through tests that only inspect engine state.
type NopResponder struct{}

func (NopResponder) OnConnected(SocketHandle, net.Addr)       {}
func (NopResponder) OnMessage(SocketHandle, message.Message)  {}
func (NopResponder) OnDisconnected(SocketHandle)              {}
