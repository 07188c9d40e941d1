// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err means the worker end of an
// IPC channel went away: the FIFO or stdio pipe reached EOF, was closed
// locally to unblock a read at shutdown, or lost its reader mid-write.
// Such errors end a channel quietly; anything else is logged.
func IsExpectedCloseError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		// io.Pipe in tests, EOF on FIFOs and os.Pipe.
		return true
	case errors.Is(err, fs.ErrClosed), errors.Is(err, net.ErrClosed):
		// *os.File closed by Serve's cancellation hook.
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && (errno == syscall.EPIPE || errno == syscall.ECONNRESET)
}
