// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package postmaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

func newID() string { return uuid.NewString() }

// Proxy calls the shared functions of one other extension.
type Proxy struct {
	postmaster *Postmaster
	name       string
	timeout    time.Duration
}

// Proxy returns a proxy for extension name. Requests through it fail
// with a timeout error when no reply arrives within timeout; zero
// waits for as long as the caller's context allows.
func (p *Postmaster) Proxy(name string, timeout time.Duration) *Proxy {
	return &Proxy{postmaster: p, name: name, timeout: timeout}
}

// Neighbors returns proxies for every extension this one may mail.
func (p *Postmaster) Neighbors(ctx context.Context, timeout time.Duration) ([]*Proxy, error) {
	names, err := p.host.Recipients(ctx)
	if err != nil {
		return nil, err
	}
	proxies := make([]*Proxy, len(names))
	for i, name := range names {
		proxies[i] = p.Proxy(name, timeout)
	}
	return proxies, nil
}

// Name returns the extension the proxy calls.
func (x *Proxy) Name() string { return x.name }

// Call invokes the shared function and decodes its result into result
// when result is non-nil. Errors raised by the function come back with
// their kind intact.
func (x *Proxy) Call(ctx context.Context, function string, args []any, kwargs map[string]any, result any) error {
	positional, err := encodeArgs(args)
	if err != nil {
		return err
	}
	var keyword map[string]json.RawMessage
	if len(kwargs) > 0 {
		keyword = make(map[string]json.RawMessage, len(kwargs))
		for key, value := range kwargs {
			encoded, err := json.Marshal(value)
			if err != nil {
				return apierror.InvalidArgument("encoding argument %q: %v", key, err)
			}
			keyword[key] = encoded
		}
	}

	raw, err := x.postmaster.request(ctx, x.name, message{
		Action: ActionCall,
		Func:   function,
		Args:   positional,
		Kwargs: keyword,
	}, x.timeout)
	if err != nil {
		return err
	}
	return decodeResult(raw, result)
}

// ListFunctions returns the names the extension has shared.
func (x *Proxy) ListFunctions(ctx context.Context) ([]string, error) {
	raw, err := x.postmaster.request(ctx, x.name, message{Action: ActionListFunctions}, x.timeout)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := decodeResult(raw, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// HasFunction reports whether the extension shares function.
func (x *Proxy) HasFunction(ctx context.Context, function string) (bool, error) {
	raw, err := x.postmaster.request(ctx, x.name, message{Action: ActionHasFunction, Name: function}, x.timeout)
	if err != nil {
		return false, err
	}
	var found bool
	err = decodeResult(raw, &found)
	return found, err
}

// FireEvent fires event at the proxied extension.
func (x *Proxy) FireEvent(ctx context.Context, event string, args ...any) error {
	return x.postmaster.FireEvent(ctx, x.name, event, args...)
}

func decodeResult(raw json.RawMessage, result any) error {
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return apierror.Transport("decoding reply: %v", err)
	}
	return nil
}
