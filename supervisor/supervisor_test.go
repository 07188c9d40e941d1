// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/datastore"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/lib/testutil"
	"github.com/bureau-foundation/exthost/policy"
	"github.com/bureau-foundation/exthost/sdk"
)

type harness struct {
	supervisor  *Supervisor
	broker      *broker.Broker
	locator     *Locator
	clock       *clock.FakeClock
	extensions  string
	permissions string
	temp        string
}

type harnessOptions struct {
	transport Transport
	fakeClock bool
}

func newHarness(t *testing.T, options harnessOptions) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		extensions:  filepath.Join(root, "extensions"),
		permissions: filepath.Join(root, "permissions"),
		temp:        filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{h.extensions, h.permissions, h.temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	store, err := datastore.OpenSQLite(datastore.SQLiteConfig{Path: filepath.Join(root, "datastore.db")})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h.locator = NewLocator(h.extensions)
	engine := policy.NewEngine(policy.EngineConfig{Dir: h.permissions, Resolver: h.locator})
	h.broker = broker.New(broker.Config{Store: store, Policies: engine, ExtensionsDir: h.extensions})

	var clk clock.Clock = clock.Real()
	if options.fakeClock {
		h.clock = clock.Fake(time.Unix(1_700_000_000, 0))
		clk = h.clock
	}
	h.supervisor, err = New(Config{
		Broker:        h.broker,
		Policies:      engine,
		Locator:       h.locator,
		ExtensionsDir: h.extensions,
		TempDir:       h.temp,
		Transport:     options.transport,
		CustomArgs:    map[string]string{"mode": "test"},
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.broker.SetLauncher(h.supervisor)
	t.Cleanup(func() {
		done := make(chan struct{})
		go func() {
			h.supervisor.StopAll()
			close(done)
		}()
		if h.clock == nil {
			<-done
			return
		}
		// Unresponsive workers wait on fake timers; keep time moving.
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				h.clock.Advance(DefaultStopTimeout)
			}
		}
	})
	return h
}

func (h *harness) builtin(t *testing.T, name string, fn BuiltinFunc) {
	t.Helper()
	if err := h.locator.RegisterBuiltin(name, fn); err != nil {
		t.Fatalf("RegisterBuiltin(%s): %v", name, err)
	}
}

func (h *harness) policy(t *testing.T, name, document string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(h.permissions, name+".txt"), []byte(document), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) script(t *testing.T, name, body string) {
	t.Helper()
	dir := filepath.Join(h.extensions, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

// stoppedChannel returns the channel closed when name's current
// worker has been cleaned up.
func (h *harness) stoppedChannel(t *testing.T, name string) <-chan struct{} {
	t.Helper()
	h.supervisor.mu.Lock()
	defer h.supervisor.mu.Unlock()
	e, ok := h.supervisor.entries[name]
	if !ok {
		t.Fatalf("%s is not tracked", name)
	}
	return e.stopped
}

// exitOnSignal is a well-behaved built-in.
func exitOnSignal(ctx context.Context, host *sdk.Host) error {
	return host.ExitWait(ctx)
}

func TestBuiltinLifecycle(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	options := make(chan map[string]string, 1)
	h.builtin(t, "alpha", func(ctx context.Context, host *sdk.Host) error {
		args, err := host.CustomArgs(ctx)
		if err != nil {
			return err
		}
		options <- args
		return host.ExitWait(ctx)
	})

	if err := h.supervisor.Start(context.Background(), "alpha", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	args := testutil.RequireReceive(t, options, 5*time.Second, "built-in never ran")
	if args["mode"] != "test" {
		t.Errorf("custom args = %v", args)
	}
	if !h.supervisor.Running("alpha") || !h.broker.Running("alpha") {
		t.Fatal("alpha should be running and registered")
	}

	if err := h.supervisor.Stop("alpha"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if state := h.supervisor.State("alpha"); state != Stopped {
		t.Errorf("state after Stop = %s", state)
	}
	if h.broker.Running("alpha") {
		t.Error("broker still holds a token for alpha")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	var runs atomic.Int32
	h.builtin(t, "alpha", func(ctx context.Context, host *sdk.Host) error {
		runs.Add(1)
		return host.ExitWait(ctx)
	})

	for range 3 {
		if err := h.supervisor.EnsureRunning(context.Background(), "alpha"); err != nil {
			t.Fatalf("EnsureRunning: %v", err)
		}
	}
	h.supervisor.Stop("alpha")
	if got := runs.Load(); got != 1 {
		t.Errorf("built-in ran %d times, want 1", got)
	}
}

func TestExitedWorkerIsCleanedUpAndRestartable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	var runs atomic.Int32
	h.builtin(t, "oneshot", func(ctx context.Context, host *sdk.Host) error {
		runs.Add(1)
		return nil
	})

	ctx := context.Background()
	if err := h.supervisor.Start(ctx, "oneshot", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	testutil.RequireClosed(t, h.stoppedChannel(t, "oneshot"), 5*time.Second, "exit was never noticed")
	if h.broker.Running("oneshot") {
		t.Error("exited extension still registered")
	}

	if err := h.supervisor.Start(ctx, "oneshot", StartOptions{}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	testutil.RequireClosed(t, h.stoppedChannel(t, "oneshot"), 5*time.Second, "second exit was never noticed")
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestStopTerminatesUnresponsiveBuiltin(t *testing.T) {
	h := newHarness(t, harnessOptions{fakeClock: true})
	cancelled := make(chan struct{})
	h.builtin(t, "stubborn", func(ctx context.Context, host *sdk.Host) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})

	if err := h.supervisor.Start(context.Background(), "stubborn", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- h.supervisor.Stop("stubborn") }()

	h.clock.WaitForTimers(1)
	testutil.RequireBlocked(t, stopped, 20*time.Millisecond, "Stop returned before the timeout")
	h.clock.Advance(DefaultStopTimeout)

	if err := testutil.RequireReceive(t, stopped, 5*time.Second, "Stop never returned"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	testutil.RequireClosed(t, cancelled, 5*time.Second, "built-in context was not cancelled")
	if h.broker.Running("stubborn") {
		t.Error("terminated extension still registered")
	}
}

func TestStopAllSharesOneDeadline(t *testing.T) {
	h := newHarness(t, harnessOptions{fakeClock: true})
	ignoreExit := func(ctx context.Context, host *sdk.Host) error {
		<-ctx.Done()
		return nil
	}
	h.builtin(t, "first", ignoreExit)
	h.builtin(t, "second", ignoreExit)
	for _, name := range []string{"first", "second"} {
		if err := h.supervisor.Start(context.Background(), name, StartOptions{}); err != nil {
			t.Fatalf("Start(%s): %v", name, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- h.supervisor.StopAll() }()

	// One advance past the shared deadline releases both: the second
	// wait finds its remaining time already spent.
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultStopTimeout)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "StopAll waited past the shared deadline"); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, name := range []string{"first", "second"} {
		if state := h.supervisor.State(name); state != Stopped {
			t.Errorf("%s state = %s", name, state)
		}
	}
}

func TestEnsureRunningUnknownExtension(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	err := h.supervisor.EnsureRunning(context.Background(), "ghost")
	if !apierror.Is(err, apierror.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
	if state := h.supervisor.State("ghost"); state != NotRunning {
		t.Errorf("state = %s", state)
	}
}

func TestMailStartsStoppedRecipient(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.policy(t, "alpha", "allow_extension beta\n")
	received := make(chan broker.Envelope, 1)
	h.builtin(t, "beta", func(ctx context.Context, host *sdk.Host) error {
		envelopes, err := host.Receive(ctx)
		if err != nil {
			return err
		}
		received <- envelopes[0]
		return host.ExitWait(ctx)
	})
	h.builtin(t, "alpha", func(ctx context.Context, host *sdk.Host) error {
		if err := host.Send(ctx, "beta", map[string]string{"greeting": "hello"}); err != nil {
			return err
		}
		return host.ExitWait(ctx)
	})

	if err := h.supervisor.Start(context.Background(), "alpha", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	envelope := testutil.RequireReceive(t, received, 5*time.Second, "beta never received mail")
	if envelope.From != "alpha" {
		t.Errorf("From = %q", envelope.From)
	}
	var message map[string]string
	if err := json.Unmarshal(envelope.Message, &message); err != nil || message["greeting"] != "hello" {
		t.Errorf("message = %s (%v)", envelope.Message, err)
	}
	if !h.supervisor.Running("beta") {
		t.Error("beta was not started by the send")
	}
}

func TestProcessWorkerExitIsNoticed(t *testing.T) {
	for _, transport := range []Transport{TransportFIFO, TransportStdio} {
		t.Run(string(transport), func(t *testing.T) {
			h := newHarness(t, harnessOptions{transport: transport})
			h.policy(t, "quick", "use_sandbox false\n")
			h.script(t, "quick", "exit 0")

			if err := h.supervisor.Start(context.Background(), "quick", StartOptions{}); err != nil {
				t.Fatalf("Start: %v", err)
			}
			testutil.RequireClosed(t, h.stoppedChannel(t, "quick"), 5*time.Second, "process exit was never noticed")
			if h.broker.Running("quick") {
				t.Error("exited process still registered")
			}
			if _, err := os.Stat(filepath.Join(h.temp, "quick.calls")); !os.IsNotExist(err) {
				t.Errorf("call pipe left behind: %v", err)
			}
		})
	}
}

func TestStopKillsUnresponsiveProcess(t *testing.T) {
	h := newHarness(t, harnessOptions{fakeClock: true})
	h.policy(t, "sleeper", "use_sandbox false\n")
	h.script(t, "sleeper", "exec sleep 60")

	if err := h.supervisor.Start(context.Background(), "sleeper", StartOptions{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- h.supervisor.Stop("sleeper") }()
	h.clock.WaitForTimers(1)
	h.clock.Advance(DefaultStopTimeout)
	if err := testutil.RequireReceive(t, stopped, 5*time.Second, "Stop never returned"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.broker.Running("sleeper") {
		t.Error("killed process still registered")
	}
}

func TestIsolationWithoutSandboxRefusesToStart(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.policy(t, "boxed", "use_sandbox true\n")
	h.script(t, "boxed", "exit 0")

	err := h.supervisor.Start(context.Background(), "boxed", StartOptions{})
	if !apierror.Is(err, apierror.KindInternal) {
		t.Fatalf("err = %v, want internal", err)
	}
	if h.broker.Running("boxed") {
		t.Error("failed start left a registration")
	}
	if state := h.supervisor.State("boxed"); state != NotRunning {
		t.Errorf("state = %s, want not_running", state)
	}
	if _, err := os.Stat(filepath.Join(h.temp, "boxed.calls")); !os.IsNotExist(err) {
		t.Errorf("call pipe left behind: %v", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		NotRunning:    "not_running",
		Starting:      "starting",
		Running:       "running",
		StopRequested: "stop_requested",
		Stopped:       "stopped",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
