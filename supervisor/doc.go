// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor starts, tracks and stops extensions.
//
// Starting an extension mints its broker token, loads its policy and
// launches a worker. Executables run as child processes, under
// bubblewrap when the policy asks for isolation (or the host forces
// it), and reach the broker over a pair of named pipes or their
// standard streams. Built-in extensions are Go functions registered
// with the [Locator]; they run as goroutines talking to the broker
// through [sdk.DirectBackend].
//
// Stopping sets the extension's exit signal, gives it the stop timeout
// to return on its own, and then terminates it. Either way the broker
// forgets the extension's token, handles and registrations once the
// worker is gone.
package supervisor
