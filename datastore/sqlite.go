// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/sqlitepool"
)

// DefaultPageSize is the Keys page size when none is configured.
const DefaultPageSize = 100

const schema = `CREATE TABLE IF NOT EXISTS datastore (key BLOB PRIMARY KEY, value BLOB NOT NULL);`

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	Path     string
	PoolSize int
	PageSize int

	// Timeout bounds how long a write waits for another writer.
	Timeout time.Duration

	Logger *slog.Logger
}

// SQLite is a Store backed by one SQLite table.
type SQLite struct {
	pool     *sqlitepool.Pool
	pageSize int
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Path,
		PoolSize:    cfg.PoolSize,
		BusyTimeout: cfg.Timeout,
		Logger:      cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	return &SQLite{pool: pool, pageSize: pageSize}, nil
}

// Close closes the underlying pool.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// PageSize implements Store.
func (s *SQLite) PageSize() int { return s.pageSize }

func (s *SQLite) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, apierror.Internal("datastore: %w", err)
	}
	return conn, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	value, found, err := selectValue(conn, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierror.NotFound("datastore key %q", key).With("key", key)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return upsert(conn, key, value)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM datastore WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{[]byte(key)},
	})
	if err != nil {
		return apierror.Internal("datastore delete %q: %w", key, err)
	}
	if conn.Changes() == 0 {
		return apierror.NotFound("datastore key %q", key).With("key", key)
	}
	return nil
}

// Keys implements Store. Prefix matching compares raw bytes, so "%"
// and "_" in a prefix are literal.
func (s *SQLite) Keys(ctx context.Context, prefix string, page int) ([]string, error) {
	if page < 0 {
		return nil, apierror.InvalidArgument("negative page %d", page)
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	keys := []string{}
	collect := func(stmt *sqlite.Stmt) error {
		keys = append(keys, stmt.ColumnText(0))
		return nil
	}
	offset := page * s.pageSize
	if prefix == "" {
		err = sqlitex.Execute(conn, `SELECT key FROM datastore ORDER BY key LIMIT ?1 OFFSET ?2`,
			&sqlitex.ExecOptions{Args: []any{s.pageSize, offset}, ResultFunc: collect})
	} else {
		err = sqlitex.Execute(conn,
			`SELECT key FROM datastore
			 WHERE substr(key, 1, length(?1)) = ?1
			 ORDER BY key LIMIT ?2 OFFSET ?3`,
			&sqlitex.ExecOptions{Args: []any{[]byte(prefix), s.pageSize, offset}, ResultFunc: collect})
	}
	if err != nil {
		return nil, apierror.Internal("datastore keys %q: %w", prefix, err)
	}
	return keys, nil
}

// TestAndSet implements Store. The read and the write share one
// IMMEDIATE transaction, which takes the database write lock up
// front, so no other writer can interleave.
func (s *SQLite) TestAndSet(ctx context.Context, key string, value []byte) (old []byte, existed bool, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, false, apierror.Internal("datastore begin transaction: %w", err)
	}
	defer endTransaction(&err)

	old, existed, err = selectValue(conn, key)
	if err != nil {
		return nil, false, err
	}
	if err = upsert(conn, key, value); err != nil {
		return nil, false, err
	}
	return old, existed, nil
}

func selectValue(conn *sqlite.Conn, key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := sqlitex.Execute(conn, `SELECT value FROM datastore WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{[]byte(key)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, apierror.Internal("datastore get %q: %w", key, err)
	}
	return value, found, nil
}

func upsert(conn *sqlite.Conn, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	err := sqlitex.Execute(conn, `INSERT OR REPLACE INTO datastore (key, value) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{[]byte(key), value},
	})
	if err != nil {
		return apierror.Internal("datastore set %q: %w", key, err)
	}
	return nil
}
