// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
)

// Send mails message, encoded as JSON, to recipient. The recipient is
// started if it is not running.
func (h *Host) Send(ctx context.Context, recipient string, message any) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return apierror.InvalidArgument("encoding message for %s: %v", recipient, err)
	}
	return h.call(ctx, "messages_send", nil, recipient, json.RawMessage(encoded))
}

// Receive blocks until mail arrives and returns every queued message,
// oldest first.
func (h *Host) Receive(ctx context.Context) ([]broker.Envelope, error) {
	var envelopes []broker.Envelope
	err := h.call(ctx, "messages_get", &envelopes)
	return envelopes, err
}

// Recipients lists the extensions this one may send to.
func (h *Host) Recipients(ctx context.Context) ([]string, error) {
	var names []string
	err := h.call(ctx, "messages_list_recipients", &names)
	return names, err
}
