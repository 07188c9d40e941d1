// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds I/O helpers for the host's network edges: the
// bounded body reader used by the outbound web request capability,
// and classification of errors seen when a transport peer goes away.
package netutil

import (
	"fmt"
	"io"
)

// MaxResponseSize bounds a single outbound web response body: 64 MiB.
// The body travels base64-encoded inside one IPC reply line, which
// must stay under ipc.MaxLineSize.
const MaxResponseSize int64 = 64 << 20

// MaxHeaderSize bounds the response headers of an outbound request.
const MaxHeaderSize int64 = 1 << 20

// ErrResponseTooLarge is returned by ReadResponse when the body
// exceeds MaxResponseSize.
var ErrResponseTooLarge = fmt.Errorf("response body exceeds %d bytes", MaxResponseSize)

// ReadResponse reads body up to MaxResponseSize. A body that is
// longer is an error rather than being silently truncated.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
