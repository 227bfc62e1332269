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
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced by the connection engine (spec §7).
var (
	ErrConfigInvalid     = errors.New("engine: invalid configuration")
	ErrAlreadyConnected  = errors.New("engine: already connected")
	ErrTransportSetup    = errors.New("engine: transport setup failed")
	ErrConnectFailed     = errors.New("engine: connect failed")
	ErrNotConnected      = errors.New("engine: socket not connected")
	ErrUnknownSocket     = errors.New("engine: unknown socket handle")
	ErrParseFailed       = errors.New("engine: message parse failed")
	ErrOversizedMessage  = errors.New("engine: message exceeds maximum allowed size")
	ErrWriteTimeout      = errors.New("engine: write timed out")
	ErrTransactionExpired = errors.New("engine: transaction expired")
	ErrEndpointClosing   = errors.New("engine: endpoint is closing")
	ErrNotUDP            = errors.New("engine: operation requires a UDP transport")
)

// SetupError wraps ErrTransportSetup with the specific step that failed
// (socket, setsockopt, bind, tls handshake, tls load keypair), mirroring the original's
// distinct failure-kind reporting from CreateSocket.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("engine: transport setup failed at %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return ErrTransportSetup }

func newSetupError(step string, err error) error {
	return &SetupError{Step: step, Err: err}
}
