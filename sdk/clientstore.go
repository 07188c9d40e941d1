// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/lib/codec"
)

const (
	persistentExpiry = 365 * 24 * time.Hour
	sessionExpiry    = 3 * 24 * time.Hour
	clientCleanup    = 15 * time.Minute
)

// ClientStoreOptions configures a ClientStore.
type ClientStoreOptions struct {
	// Area names the store inside the extension's datastore area.
	Area string

	// Expires is how long a client's data survives without access.
	Expires time.Duration

	// CleanupEvery is the minimum interval between expiry sweeps,
	// which run as a side effect of access.
	CleanupEvery time.Duration

	// Identify picks the client id for a connection.
	Identify func(*Connection) string

	Clock clock.Clock
}

// ClientStore keeps datastore values per web client. Each client's
// data lives under <area>/<id>/data/ with an access time at
// <area>/<id>/last_access; clients unseen for longer than the expiry
// are deleted by the periodic sweep.
type ClientStore struct {
	host    *Host
	base    string
	expires time.Duration
	every   time.Duration
	ident   func(*Connection) string
	clock   clock.Clock

	mu          sync.Mutex
	lastCleanup time.Time
}

// PersistentStore returns the long-lived per-user store, keyed by the
// user cookie.
func (h *Host) PersistentStore() *ClientStore {
	return h.NewClientStore(ClientStoreOptions{
		Area:     "persistent",
		Expires:  persistentExpiry,
		Identify: (*Connection).UserID,
	})
}

// SessionStore returns the per-session store, keyed by the session
// cookie.
func (h *Host) SessionStore() *ClientStore {
	return h.NewClientStore(ClientStoreOptions{
		Area:     "session",
		Expires:  sessionExpiry,
		Identify: (*Connection).SessionID,
	})
}

// NewClientStore creates a ClientStore. Zero options take the
// persistent store's settings.
func (h *Host) NewClientStore(options ClientStoreOptions) *ClientStore {
	store := &ClientStore{
		host:    h,
		base:    h.ExtensionKey(options.Area),
		expires: options.Expires,
		every:   options.CleanupEvery,
		ident:   options.Identify,
		clock:   options.Clock,
	}
	if options.Area == "" {
		store.base = h.ExtensionKey("persistent")
	}
	if store.expires <= 0 {
		store.expires = persistentExpiry
	}
	if store.every <= 0 {
		store.every = clientCleanup
	}
	if store.ident == nil {
		store.ident = (*Connection).UserID
	}
	if store.clock == nil {
		store.clock = clock.Real()
	}
	store.lastCleanup = store.clock.Now()
	return store
}

// ClientID identifies conn's client, issuing a cookie if needed.
func (s *ClientStore) ClientID(conn *Connection) string {
	return s.ident(conn)
}

func (s *ClientStore) clientKey(id string, parts ...string) (string, error) {
	if id == "" || strings.Contains(id, "/") {
		return "", apierror.InvalidArgument("invalid client id %q", id)
	}
	return joinKey(append([]string{s.base, id}, parts...)...), nil
}

// touch records an access by id, sweeps if one is due, and returns
// the key for path in id's data.
func (s *ClientStore) touch(ctx context.Context, id, path string) (string, error) {
	accessKey, err := s.clientKey(id, "last_access")
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	stamp, err := codec.Marshal(now.UnixNano())
	if err != nil {
		return "", apierror.Internal("encoding access time: %w", err)
	}
	if err := s.host.Set(ctx, accessKey, stamp); err != nil {
		return "", err
	}

	s.mu.Lock()
	due := now.Sub(s.lastCleanup) >= s.every
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if due {
		if _, err := s.Cleanup(ctx); err != nil {
			s.host.logger.Warn("client store cleanup failed", "store", s.base, "error", err)
		}
	}
	dataKey, _ := s.clientKey(id, "data")
	return joinKey(dataKey, path), nil
}

// Get returns the client's value at path.
func (s *ClientStore) Get(ctx context.Context, id, path string) ([]byte, error) {
	key, err := s.touch(ctx, id, path)
	if err != nil {
		return nil, err
	}
	return s.host.Get(ctx, key)
}

// Set writes the client's value at path.
func (s *ClientStore) Set(ctx context.Context, id, path string, value []byte) error {
	key, err := s.touch(ctx, id, path)
	if err != nil {
		return err
	}
	return s.host.Set(ctx, key, value)
}

// Delete removes the client's value at path.
func (s *ClientStore) Delete(ctx context.Context, id, path string) error {
	key, err := s.touch(ctx, id, path)
	if err != nil {
		return err
	}
	return s.host.Delete(ctx, key)
}

// Keys lists the client's paths under prefix, relative to the
// client's data.
func (s *ClientStore) Keys(ctx context.Context, id, prefix string) ([]string, error) {
	key, err := s.touch(ctx, id, prefix)
	if err != nil {
		return nil, err
	}
	dataKey, _ := s.clientKey(id, "data")
	if prefix == "" {
		key += "/"
	}
	keys, err := s.host.Keys(ctx, key)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(keys))
	for i, full := range keys {
		paths[i] = strings.TrimPrefix(full, dataKey+"/")
	}
	return paths, nil
}

// DeleteAll removes everything stored for the client.
func (s *ClientStore) DeleteAll(ctx context.Context, id string) error {
	key, err := s.clientKey(id)
	if err != nil {
		return err
	}
	return s.deletePrefix(ctx, key+"/")
}

func (s *ClientStore) deletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.host.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.host.Delete(ctx, key); err != nil && !apierror.Is(err, apierror.KindNotFound) {
			return err
		}
	}
	return nil
}

// Cleanup deletes every client whose last access is older than the
// expiry and returns how many were removed.
func (s *ClientStore) Cleanup(ctx context.Context) (int, error) {
	prefix := s.base + "/"
	keys, err := s.host.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	var expired []string
	for _, key := range keys {
		id, ok := strings.CutSuffix(strings.TrimPrefix(key, prefix), "/last_access")
		if !ok || id == "" || strings.Contains(id, "/") {
			continue
		}
		stamp, err := s.host.Get(ctx, key)
		if err != nil {
			continue
		}
		var nanos int64
		if err := codec.Unmarshal(stamp, &nanos); err != nil {
			continue
		}
		if now.Sub(time.Unix(0, nanos)) > s.expires {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if err := s.deletePrefix(ctx, prefix+id+"/"); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
