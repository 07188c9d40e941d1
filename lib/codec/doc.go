// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the host's CBOR configuration.
//
// The IPC transport and the mailbox format are JSON because workers
// written in any language must speak them. CBOR is used for records
// the Go side stores opaquely inside the datastore, such as the lease
// records behind the worker-side datastore lock. Encoding uses Core
// Deterministic Encoding (RFC 8949 §4.2) so equal records produce
// equal bytes; the lock relies on that for its compare step.
package codec
