// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/ipc"
)

// Backend carries broker calls. [ipc.Client] implements it.
type Backend interface {
	Invoke(ctx context.Context, function string, args []any, kwargs map[string]any, result any) error
}

// DirectBackend calls a dispatcher in the same process. Arguments and
// results still pass through JSON so that in-process extensions see
// exactly what an isolated worker would.
type DirectBackend struct {
	Dispatcher ipc.Dispatcher
}

// Invoke implements Backend.
func (d DirectBackend) Invoke(ctx context.Context, function string, args []any, kwargs map[string]any, result any) error {
	positional := make([]json.RawMessage, len(args))
	for i, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return apierror.InvalidArgument("encoding argument %d of %s: %v", i, function, err)
		}
		positional[i] = encoded
	}
	keyword := make(map[string]json.RawMessage, len(kwargs))
	for key, arg := range kwargs {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return apierror.InvalidArgument("encoding argument %q of %s: %v", key, function, err)
		}
		keyword[key] = encoded
	}

	value, err := d.Dispatcher.Dispatch(ctx, function, positional, keyword)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return apierror.Internal("encoding %s result: %w", function, err)
	}
	if err := json.Unmarshal(encoded, result); err != nil {
		return apierror.Internal("decoding %s result: %w", function, err)
	}
	return nil
}

// Host is one extension's handle on the host. It is safe for
// concurrent use.
type Host struct {
	backend Backend
	name    string
	token   string
	env     Environment
	logger  *slog.Logger

	closers []io.Closer

	// ctx scopes the listener goroutines started by Handle and Listen.
	ctx    context.Context
	cancel context.CancelFunc

	muxMu sync.Mutex
	mux   *mux
}

// New returns a Host that authenticates as name with token.
func New(backend Backend, name, token string, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		backend: backend,
		name:    name,
		token:   token,
		env:     Environment{Name: name, Token: token},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the extension's name.
func (h *Host) Name() string { return h.name }

// Environment returns the launch settings the host passed to this
// worker. In-process extensions see only Name and Token.
func (h *Host) Environment() Environment { return h.env }

// Close stops connection listeners and releases the transport.
// In-flight calls fail with a transport error.
func (h *Host) Close() error {
	h.cancel()
	var errs []error
	for _, closer := range h.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// call invokes function with the token prepended to args.
func (h *Host) call(ctx context.Context, function string, result any, args ...any) error {
	return h.backend.Invoke(ctx, function, append([]any{h.token}, args...), nil, result)
}

// Option reads an extension option set by the host into target.
func (h *Host) Option(ctx context.Context, option string, target any) error {
	return h.call(ctx, "extension_options_get", target, option)
}

// Exclusive reports whether the host was started to run only this
// extension.
func (h *Host) Exclusive(ctx context.Context) (bool, error) {
	var exclusive bool
	err := h.Option(ctx, "exclusive", &exclusive)
	return exclusive, err
}

// CustomArgs returns the "@key value" arguments given on the host's
// command line.
func (h *Host) CustomArgs(ctx context.Context) (map[string]string, error) {
	var args map[string]string
	if err := h.Option(ctx, "custom_args", &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]string{}
	}
	return args, nil
}

// ExitWait blocks until the host asks this extension to stop, or ctx
// ends.
func (h *Host) ExitWait(ctx context.Context) error {
	return h.call(ctx, "exit_wait", nil)
}
