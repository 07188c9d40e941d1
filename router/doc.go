// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router hands inbound HTTP requests to extensions.
//
// A request for /<name>/<route> starts extension <name> if it is not
// running, then waits for one of its connection registrations whose
// method and route expressions match. The matched registration is
// claimed and the request stays open until the extension closes the
// connection through the broker. When every matching registration is
// busy for the whole retry budget the client receives 503 with a
// Retry-After hint; when nothing matches it receives 404.
//
// [Server] is the listener around a [Router]: plain or TLS, with
// optional request logging and graceful shutdown.
package router
