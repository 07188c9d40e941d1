// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import "context"

// Store is the storage contract the broker consumes.
type Store interface {
	// Get returns the value at key, or a not_found error.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key, or returns a not_found error.
	Delete(ctx context.Context, key string) error

	// Keys returns page number page (zero-based) of the keys starting
	// with prefix, in key order. An empty slice means no more pages.
	Keys(ctx context.Context, prefix string, page int) ([]string, error)

	// TestAndSet atomically writes value at key and returns what was
	// there before. existed is false when the key was absent; the
	// write happens either way.
	TestAndSet(ctx context.Context, key string, value []byte) (old []byte, existed bool, err error)

	// PageSize is the number of keys per Keys page.
	PageSize() int
}
