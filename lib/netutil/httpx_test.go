// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestReadResponse(t *testing.T) {
	data, err := ReadResponse(strings.NewReader("hello"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadResponse = %q, %v", data, err)
	}
}

func TestReadResponseTooLarge(t *testing.T) {
	body := io.LimitReader(zeros{}, MaxResponseSize+10)
	if _, err := ReadResponse(body); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v, want ErrResponseTooLarge", err)
	}
}

func TestReadResponseExactLimit(t *testing.T) {
	body := io.LimitReader(zeros{}, MaxResponseSize)
	data, err := ReadResponse(body)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if int64(len(data)) != MaxResponseSize || !bytes.Equal(data[:4], []byte{0, 0, 0, 0}) {
		t.Fatalf("len = %d", len(data))
	}
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("read: %w", os.ErrClosed), true},
		{io.ErrClosedPipe, true},
		{syscall.EPIPE, true},
		{syscall.ECONNRESET, true},
		{syscall.EACCES, false},
		{errors.New("other"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
		}
	}
}
