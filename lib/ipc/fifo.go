// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FIFOPair names the two pipes of one worker channel.
type FIFOPair struct {
	// Calls carries worker-to-host calls.
	Calls string
	// Replies carries host-to-worker replies.
	Replies string
}

// CreateFIFOPair makes two named pipes in dir, named after prefix.
// Existing pipes with the same names (left by a crashed run) are
// replaced.
func CreateFIFOPair(dir, prefix string) (FIFOPair, error) {
	pair := FIFOPair{
		Calls:   filepath.Join(dir, prefix+".calls"),
		Replies: filepath.Join(dir, prefix+".replies"),
	}
	for _, path := range []string{pair.Calls, pair.Replies} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return FIFOPair{}, fmt.Errorf("removing stale fifo %s: %w", path, err)
		}
		if err := unix.Mkfifo(path, 0o600); err != nil {
			pair.Remove()
			return FIFOPair{}, fmt.Errorf("creating fifo %s: %w", path, err)
		}
	}
	return pair, nil
}

// Remove deletes both pipes, ignoring ones already gone.
func (p FIFOPair) Remove() error {
	var errs []error
	for _, path := range []string{p.Calls, p.Replies} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenHost opens the host ends. Both pipes are opened read-write so
// neither open waits for the worker; the host closes them itself when
// the worker exits.
func (p FIFOPair) OpenHost() (calls io.ReadCloser, replies io.WriteCloser, err error) {
	callFile, err := os.OpenFile(p.Calls, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", p.Calls, err)
	}
	replyFile, err := os.OpenFile(p.Replies, os.O_RDWR, 0)
	if err != nil {
		callFile.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", p.Replies, err)
	}
	return callFile, replyFile, nil
}

// OpenWorker opens the worker ends. The host must already hold its
// ends open.
func (p FIFOPair) OpenWorker() (replies io.ReadCloser, calls io.WriteCloser, err error) {
	replyFile, err := os.OpenFile(p.Replies, os.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", p.Replies, err)
	}
	callFile, err := os.OpenFile(p.Calls, os.O_WRONLY, 0)
	if err != nil {
		replyFile.Close()
		return nil, nil, fmt.Errorf("opening %s: %w", p.Calls, err)
	}
	return replyFile, callFile, nil
}
