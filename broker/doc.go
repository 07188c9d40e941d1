// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package broker is the capability broker: the single owner of every
// host resource an extension can reach.
//
// Each running extension is identified by a token minted at
// [Broker.Register]. Every operation takes the token first, resolves
// it to an extension name, loads that extension's policy, and only
// then touches a file, datastore key, URL, connection or mailbox. An
// unknown token fails with permission_denied before anything else
// happens.
//
// The broker's state lives in separate tables (identities, files,
// connections, mailboxes, exit signals), each behind its own mutex.
// No mutex is held across a blocking wait: waits are on channels
// captured under the lock and released before blocking.
//
// Operations are reached two ways. In-process Go callers use the typed
// methods (FileOpen, DatastoreGet, ConnectionGet, ...). Workers on the
// other side of the IPC transport use [Broker.Dispatch], which looks
// the operation name up in a registry built once in [New]. Names not
// in the registry, including every name starting with "_", are
// rejected.
//
// When an extension stops, [Broker.Unregister] removes its token,
// closes its files, ends its connections and drops its exit signal.
// Mailboxes outlive the extension so mail sent while it is down is
// delivered on its next start.
package broker
