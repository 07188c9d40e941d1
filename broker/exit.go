// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// exitSignal is a set-once broadcast.
type exitSignal struct {
	once sync.Once
	ch   chan struct{}
}

func (b *Broker) exitSignalFor(name string) *exitSignal {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	signal, ok := b.exits[name]
	if !ok {
		signal = &exitSignal{ch: make(chan struct{})}
		b.exits[name] = signal
	}
	return signal
}

// ExitWait blocks until the calling extension is asked to stop, or
// ctx ends.
func (b *Broker) ExitWait(ctx context.Context, token string) error {
	name, err := b.Resolve(token)
	if err != nil {
		return err
	}
	signal := b.exitSignalFor(name)
	select {
	case <-signal.ch:
		return nil
	case <-ctx.Done():
		return apierror.Transport("exit wait abandoned: %v", ctx.Err())
	}
}

// TriggerExit asks name to stop. A later ExitWait by the same run of
// the extension returns immediately.
func (b *Broker) TriggerExit(name string) {
	signal := b.exitSignalFor(name)
	signal.once.Do(func() { close(signal.ch) })
}

func (b *Broker) dropExitSignal(name string) {
	b.exitMu.Lock()
	defer b.exitMu.Unlock()
	delete(b.exits, name)
}
