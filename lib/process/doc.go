// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the binary entrypoint helpers: reporting a
// fatal error from main before or after logging is configured, and
// exiting.
package process
