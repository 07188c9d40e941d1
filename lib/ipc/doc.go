// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc is the line-delimited JSON call/reply protocol between an
// isolated extension worker and the host's capability broker. Both the
// host (Server) and the worker SDK (Client) import it so the wire
// types are defined once.
//
// Each message is one JSON object followed by a newline. The worker
// writes calls:
//
//	{"id": "...", "func": "datastore_get", "args": [...], "kwargs": {...}}
//
// and the host answers each with a reply carrying the same id:
//
//	{"id": "...", "result": ..., "exception": null}
//
// On failure, exception is the "kind: message" rendering of the error
// and fault carries the same error as structured data. Calls run
// concurrently on the host; replies may arrive in any order.
//
// The byte channel is a pair of named pipes created by CreateFIFOPair,
// or the worker's standard input and output where FIFOs are not
// available.
package ipc
