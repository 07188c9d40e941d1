// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/exthost/sdk"
)

// Worker is a running extension.
type Worker interface {
	// Exited is closed once the worker has finished.
	Exited() <-chan struct{}

	// Terminate forces the worker to stop.
	Terminate() error

	// Waitable reports whether Exited is guaranteed to close soon
	// after Terminate. An in-process worker that ignores its context
	// never exits, so its owner must not wait for it.
	Waitable() bool
}

// processWorker is an extension running as a child process in its own
// process group.
type processWorker struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

// startProcess starts cmd and reaps it in the background. cmd must
// have been built with Setpgid.
func startProcess(cmd *exec.Cmd) (*processWorker, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	worker := &processWorker{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		worker.mu.Lock()
		worker.err = err
		worker.mu.Unlock()
		close(worker.done)
	}()
	return worker, nil
}

func (w *processWorker) Exited() <-chan struct{} { return w.done }

func (w *processWorker) Waitable() bool { return true }

// Terminate kills the worker's whole process group.
func (w *processWorker) Terminate() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	err := unix.Kill(-w.cmd.Process.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("killing process group %d: %w", w.cmd.Process.Pid, err)
	}
	return nil
}

// Err returns the wait error once the process has exited.
func (w *processWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// threadWorker is a built-in extension running as a goroutine.
type threadWorker struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func startThread(name string, fn BuiltinFunc, host *sdk.Host, logger *slog.Logger) *threadWorker {
	ctx, cancel := context.WithCancel(context.Background())
	worker := &threadWorker{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(worker.done)
		defer host.Close()
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("built-in extension panicked", "extension", name, "panic", recovered)
				worker.setErr(fmt.Errorf("panic: %v", recovered))
			}
		}()
		worker.setErr(fn(ctx, host))
	}()
	return worker
}

func (w *threadWorker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *threadWorker) Exited() <-chan struct{} { return w.done }

func (w *threadWorker) Waitable() bool { return false }

func (w *threadWorker) Terminate() error {
	w.cancel()
	return nil
}

// Err returns what the extension function returned.
func (w *threadWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
