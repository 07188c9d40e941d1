// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
)

// SharedPrefix is the datastore area every extension may write.
const SharedPrefix = "shared/"

// ExtensionKey joins parts under the extension's private datastore
// area, "extensions/<name>/".
func (h *Host) ExtensionKey(parts ...string) string {
	return joinKey(append([]string{"extensions", h.name}, parts...)...)
}

// SharedKey joins parts under SharedPrefix.
func SharedKey(parts ...string) string {
	return joinKey(append([]string{"shared"}, parts...)...)
}

func joinKey(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			trimmed = append(trimmed, part)
		}
	}
	return strings.Join(trimmed, "/")
}

// Get returns the value at key. A missing key is a not_found error.
func (h *Host) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := h.call(ctx, "datastore_get", &value, key)
	return value, err
}

// Set writes value at key.
func (h *Host) Set(ctx context.Context, key string, value []byte) error {
	return h.call(ctx, "datastore_set", nil, key, value)
}

// Delete removes key.
func (h *Host) Delete(ctx context.Context, key string) error {
	return h.call(ctx, "datastore_delete", nil, key)
}

// GetJSON decodes the JSON value at key into target.
func (h *Host) GetJSON(ctx context.Context, key string, target any) error {
	value, err := h.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, target); err != nil {
		return apierror.InvalidArgument("value at %s is not JSON: %v", key, err).With("key", key)
	}
	return nil
}

// SetJSON stores value at key as JSON.
func (h *Host) SetJSON(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return apierror.InvalidArgument("encoding value for %s: %v", key, err)
	}
	return h.Set(ctx, key, encoded)
}

// KeysPage returns one page of keys under prefix.
func (h *Host) KeysPage(ctx context.Context, prefix string, page int) ([]string, error) {
	var keys []string
	err := h.call(ctx, "datastore_keys", &keys, prefix, page)
	return keys, err
}

// Keys returns every key under prefix, fetching pages until one comes
// back empty.
func (h *Host) Keys(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	for page := 0; ; page++ {
		keys, err := h.KeysPage(ctx, prefix, page)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return all, nil
		}
		all = append(all, keys...)
	}
}

// TestAndSet writes value at key and returns what was there before.
// existed is false when the key was absent.
func (h *Host) TestAndSet(ctx context.Context, key string, value []byte) (old []byte, existed bool, err error) {
	var result broker.TestAndSetResult
	if err := h.call(ctx, "datastore_test_and_set", &result, key, value); err != nil {
		return nil, false, err
	}
	return result.Old, result.Existed, nil
}
