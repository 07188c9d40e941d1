// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"os"
	"testing"
)

func TestFIFOPairCarriesCalls(t *testing.T) {
	dir := t.TempDir()
	pair, err := CreateFIFOPair(dir, "clock")
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{pair.Calls, pair.Replies} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode()&os.ModeNamedPipe == 0 {
			t.Errorf("%s is not a fifo: %v", path, info.Mode())
		}
	}

	hostCalls, hostReplies, err := pair.OpenHost()
	if err != nil {
		t.Fatal(err)
	}
	workerReplies, workerCalls, err := pair.OpenWorker()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- NewServer(hostCalls, hostReplies, &fakeDispatcher{}, nil).Serve(ctx) }()

	client := NewClient(workerReplies, workerCalls, nil)
	var result struct {
		Value string `json:"value"`
	}
	if err := client.Invoke(context.Background(), "echo", []any{"through fifos"}, nil, &result); err != nil {
		t.Fatal(err)
	}
	if result.Value != "through fifos" {
		t.Errorf("result = %+v", result)
	}

	cancel()
	if err := <-served; err != nil {
		t.Errorf("Serve = %v", err)
	}
	hostReplies.Close()
	workerCalls.Close()
	workerReplies.Close()

	// Creating again over leftovers succeeds.
	if _, err := CreateFIFOPair(dir, "clock"); err != nil {
		t.Fatal(err)
	}
	if err := pair.Remove(); err != nil {
		t.Fatal(err)
	}
}
