// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package datastore is the host's key-value store: byte-string keys
// mapped to opaque byte values, with prefix listing in pages and an
// atomic test-and-set.
//
// Keys are namespaced by convention ("shared/...", "extensions/<name>/...")
// and the broker enforces which prefixes an extension may touch; this
// package enforces nothing. [SQLite] is the production [Store],
// persisted in a single table through lib/sqlitepool.
package datastore
