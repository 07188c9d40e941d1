// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/lib/codec"
)

const (
	lockInitialBackoff = time.Millisecond
	lockMaxBackoff     = time.Second
)

// lease is the record a contender writes at the lock key.
type lease struct {
	Holder  string `cbor:"holder"`
	LastSet int64  `cbor:"last_set"`
}

// LockOptions configures Lock.
type LockOptions struct {
	// Timeout is how long a contender waits before treating the
	// current holder as dead and taking the lock anyway. Zero waits
	// forever.
	Timeout time.Duration

	// MaxBackoff caps the delay between attempts. Defaults to one
	// second.
	MaxBackoff time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// DatastoreLock is a held lock on a datastore key.
type DatastoreLock struct {
	host *Host
	key  string
}

// Lock takes a cooperative lock on key. Every attempt writes a lease
// with test-and-set; the lock is acquired when the key was absent.
// While it waits, the contender remembers the oldest lease it has
// seen and steals the lock once that lease is older than Timeout.
// Attempts back off exponentially from one millisecond.
//
// The lock is advisory: it excludes only other users of Lock on the
// same key.
func (h *Host) Lock(ctx context.Context, key string, options LockOptions) (*DatastoreLock, error) {
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxBackoff := options.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = lockMaxBackoff
	}

	oldest := clk.Now()
	backoff := lockInitialBackoff
	for {
		now := clk.Now()
		record, err := codec.Marshal(lease{Holder: h.name, LastSet: now.UnixNano()})
		if err != nil {
			return nil, apierror.Internal("encoding lease: %w", err)
		}
		old, existed, err := h.TestAndSet(ctx, key, record)
		if err != nil {
			return nil, err
		}
		if !existed {
			return &DatastoreLock{host: h, key: key}, nil
		}

		var previous lease
		if err := codec.Unmarshal(old, &previous); err != nil {
			h.logger.Warn("ignoring undecodable lease", "key", key, "error", err)
		} else if set := time.Unix(0, previous.LastSet); set.Before(oldest) {
			oldest = set
		}
		if options.Timeout > 0 && now.Sub(oldest) > options.Timeout {
			h.logger.Warn("taking stale datastore lock", "key", key, "holder", previous.Holder, "age", now.Sub(oldest))
			return &DatastoreLock{host: h, key: key}, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, apierror.Timeout("waiting for lock %s", key).With("key", key)
			}
			return nil, apierror.Transport("waiting for lock %s: %v", key, ctx.Err())
		case <-clk.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Key returns the locked key.
func (l *DatastoreLock) Key() string { return l.key }

// Unlock releases the lock by deleting its key.
func (l *DatastoreLock) Unlock(ctx context.Context) error {
	err := l.host.Delete(ctx, l.key)
	if apierror.Is(err, apierror.KindNotFound) {
		return nil
	}
	return err
}
