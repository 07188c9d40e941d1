// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the package tests.
//
// [RequireReceive] and [RequireClosed] are the only places the test
// suite waits on the wall clock; they exist so a broken test fails
// with a message instead of hanging. [UniqueID] hands out distinct
// identifiers for extension names, keys and message bodies.
//
// Helpers call t.Fatalf on failure.
package testutil
