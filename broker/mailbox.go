// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// Envelope is one delivered message. From is stamped by the broker
// from the sender's token, so recipients can trust it.
type Envelope struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
}

type mailbox struct {
	queue []Envelope

	// arrived holds at most one pending wake-up.
	arrived chan struct{}
}

func (b *Broker) mailboxFor(name string) *mailbox {
	b.mailMu.Lock()
	defer b.mailMu.Unlock()
	return b.mailboxLocked(name)
}

func (b *Broker) mailboxLocked(name string) *mailbox {
	box, ok := b.mailboxes[name]
	if !ok {
		box = &mailbox{arrived: make(chan struct{}, 1)}
		b.mailboxes[name] = box
	}
	return box
}

// MessagesSend appends message to recipient's mailbox. The recipient
// must be a declared peer in the sender's policy. A recipient that is
// not running is started.
func (b *Broker) MessagesSend(ctx context.Context, token, recipient string, message json.RawMessage) error {
	name, pol, err := b.authorize(token)
	if err != nil {
		return err
	}
	if !pol.PeerAllowed(recipient) {
		return b.deny(name, "recipient", recipient)
	}
	if !json.Valid(message) {
		return apierror.InvalidArgument("message is not valid JSON")
	}

	b.mailMu.Lock()
	box := b.mailboxLocked(recipient)
	box.queue = append(box.queue, Envelope{From: name, Message: message})
	select {
	case box.arrived <- struct{}{}:
	default:
	}
	b.mailMu.Unlock()

	if b.launcher != nil && !b.Running(recipient) {
		if err := b.launcher.EnsureRunning(ctx, recipient); err != nil {
			b.logger.Warn("starting message recipient failed",
				"extension", name,
				"recipient", recipient,
				"error", err,
			)
		}
	}
	return nil
}

// MessagesGet blocks until the caller's mailbox is non-empty, then
// returns every queued message in send order and empties the mailbox.
func (b *Broker) MessagesGet(ctx context.Context, token string) ([]Envelope, error) {
	name, err := b.Resolve(token)
	if err != nil {
		return nil, err
	}
	box := b.mailboxFor(name)
	for {
		b.mailMu.Lock()
		if len(box.queue) > 0 {
			batch := box.queue
			box.queue = nil
			select {
			case <-box.arrived:
			default:
			}
			b.mailMu.Unlock()
			return batch, nil
		}
		b.mailMu.Unlock()

		select {
		case <-box.arrived:
		case <-ctx.Done():
			return nil, apierror.Transport("message wait abandoned: %v", ctx.Err())
		}
	}
}

// MessagesListRecipients returns the caller's declared peers.
func (b *Broker) MessagesListRecipients(token string) ([]string, error) {
	_, pol, err := b.authorize(token)
	if err != nil {
		return nil, err
	}
	peers := pol.Peers()
	if peers == nil {
		peers = []string{}
	}
	return peers, nil
}
