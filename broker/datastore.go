// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import "context"

// TestAndSetResult is the outcome of datastore_test_and_set. Old is
// nil and Existed false when the key was absent before the write.
type TestAndSetResult struct {
	Old     []byte `json:"old"`
	Existed bool   `json:"existed"`
}

func (b *Broker) checkKey(token, key string, write bool) error {
	name, pol, err := b.authorize(token)
	if err != nil {
		return err
	}
	if !pol.DatastoreAllowed(key, write) {
		capability := "datastore_read"
		if write {
			capability = "datastore_write"
		}
		return b.deny(name, capability, key)
	}
	return nil
}

// DatastoreGet returns the value at key.
func (b *Broker) DatastoreGet(ctx context.Context, token, key string) ([]byte, error) {
	if err := b.checkKey(token, key, false); err != nil {
		return nil, err
	}
	return b.store.Get(ctx, key)
}

// DatastoreSet writes value at key.
func (b *Broker) DatastoreSet(ctx context.Context, token, key string, value []byte) error {
	if err := b.checkKey(token, key, true); err != nil {
		return err
	}
	return b.store.Set(ctx, key, value)
}

// DatastoreDelete removes key.
func (b *Broker) DatastoreDelete(ctx context.Context, token, key string) error {
	if err := b.checkKey(token, key, true); err != nil {
		return err
	}
	return b.store.Delete(ctx, key)
}

// DatastoreKeys returns one page of keys under prefix. The prefix
// itself must be readable.
func (b *Broker) DatastoreKeys(ctx context.Context, token, prefix string, page int) ([]string, error) {
	if err := b.checkKey(token, prefix, false); err != nil {
		return nil, err
	}
	return b.store.Keys(ctx, prefix, page)
}

// DatastoreTestAndSet atomically replaces key's value and reports the
// previous one.
func (b *Broker) DatastoreTestAndSet(ctx context.Context, token, key string, value []byte) (TestAndSetResult, error) {
	if err := b.checkKey(token, key, true); err != nil {
		return TestAndSetResult{}, err
	}
	old, existed, err := b.store.TestAndSet(ctx, key, value)
	if err != nil {
		return TestAndSetResult{}, err
	}
	return TestAndSetResult{Old: old, Existed: existed}, nil
}
