// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sdk is the API an extension uses to reach the host.
//
// Every host resource goes through the capability broker: a [Host]
// carries the extension's token and prepends it to each call. The
// calls travel over a [Backend], which is an [ipc.Client] for workers
// in their own process and a [DirectBackend] for built-in extensions
// running as goroutines inside the host.
//
// A worker started by the supervisor builds its Host with
// [FromEnvironment]:
//
//	host, err := sdk.FromEnvironment(nil)
//	if err != nil {
//		process.Fatal(err)
//	}
//	defer host.Close()
//	host.Handle("GET", "/hello", func(conn *sdk.Connection) {
//		conn.SendText("hello\n")
//	})
//	host.ExitWait(context.Background())
//
// Operations take a context. Cancelling it abandons the call; the
// broker may still complete it.
package sdk
