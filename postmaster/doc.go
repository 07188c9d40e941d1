// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package postmaster builds cross-extension calls and events on top
// of broker mailboxes.
//
// An extension shares functions by name and subscribes to events; a
// [Postmaster] drains the extension's mailbox and answers. Each
// mailbox message is a JSON object with an "action" of "call",
// "list_functions", "has_function" or "fire_event", plus a
// correlation "id" for the actions that expect a reply. Replies carry
// the same id and no action, and are matched against the caller's
// outstanding requests.
//
// The broker stamps every envelope with its sender, so replies go to
// the envelope's sender rather than to any address named in the
// message body.
//
// A freshly started extension may not have shared its functions yet
// when the first call arrives (mail to a stopped extension starts
// it). Requests for a function that is not shared wait until it is or
// until the startup grace period has passed since the postmaster was
// created.
package postmaster
