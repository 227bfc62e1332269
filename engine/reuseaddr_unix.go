// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// SPDX-License-Identifier: AGPL3.0-or-later

//go:build !windows

package engine

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the listening/dialing socket
// before bind, matching the original CreateSocket's socket-option
// sequencing (spec §4.2) ahead of the bind call itself.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
