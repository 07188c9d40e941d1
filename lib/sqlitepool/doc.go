// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens a pool of SQLite connections with the
// host's standard pragmas. It wraps zombiezen.com/go/sqlite's
// sqlitex.Pool; callers [Pool.Take] a connection, use it from one
// goroutine, and [Pool.Put] it back.
//
// Every connection runs in WAL mode with synchronous=NORMAL, so
// readers never block the single writer and commits survive a process
// crash. busy_timeout is taken from [Config].BusyTimeout: a writer
// waiting on another writer's lock blocks for that long before the
// statement fails with SQLITE_BUSY.
//
// Schema setup belongs in [Config].OnConnect, which runs once per
// connection after the pragmas.
package sqlitepool
