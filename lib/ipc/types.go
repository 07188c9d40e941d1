// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// MaxLineSize bounds one message. The largest reply the broker builds
// is a web response: a base64 body of netutil.MaxResponseSize (about
// 85.4 MiB) plus netutil.MaxHeaderSize of headers. Longer lines are
// dropped without closing the channel.
const MaxLineSize = 96 << 20

// Call is a worker-to-host request.
type Call struct {
	ID     string                     `json:"id"`
	Func   string                     `json:"func"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

// Reply answers one Call. Exactly one of Result or Exception is
// meaningful: Exception is nil on success.
type Reply struct {
	ID        string          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Exception *string         `json:"exception"`

	// Fault is the structured form of Exception.
	Fault *apierror.Wire `json:"fault,omitempty"`
}

// Err reconstructs the error carried by the reply, or nil.
func (r *Reply) Err() error {
	if r.Exception == nil {
		return nil
	}
	return apierror.FromWire(r.Fault, *r.Exception)
}

// Dispatcher executes a named operation. The broker implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, function string, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)
}

// errorReply builds the reply for a failed call.
func errorReply(id string, err error) Reply {
	wire, text := apierror.ToWire(err)
	return Reply{ID: id, Result: json.RawMessage("null"), Exception: &text, Fault: wire}
}
