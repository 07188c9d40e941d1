// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/policy"
	"github.com/bureau-foundation/exthost/sandbox"
	"github.com/bureau-foundation/exthost/sdk"
)

// DefaultStopTimeout is how long a stopping extension has to exit on
// its own.
const DefaultStopTimeout = 5 * time.Second

// State is an extension's lifecycle position.
type State int

const (
	NotRunning State = iota
	Starting
	Running
	StopRequested
	Stopped
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Transport selects how process workers reach the broker.
type Transport string

const (
	// TransportFIFO uses a pair of named pipes in the temp directory.
	TransportFIFO Transport = "fifo"
	// TransportStdio uses the worker's stdin and stdout.
	TransportStdio Transport = "stdio"
)

// Policies supplies extension policies. Purge drops a cached policy
// so that a restart sees edits to the document.
type Policies interface {
	Get(name string) (*policy.Policy, error)
	Purge(name string)
}

// Config configures a Supervisor.
type Config struct {
	Broker   *broker.Broker
	Policies Policies
	Locator  *Locator

	// Sandbox launches isolated process workers. When nil, extensions
	// that need isolation fail to start rather than run unisolated.
	Sandbox *sandbox.Sandbox

	ExtensionsDir string

	// TempDir holds the FIFO endpoints and each extension's scratch
	// directory, <TempDir>/<name>/.
	TempDir string

	Transport   Transport
	StopTimeout time.Duration

	// ForceSandbox isolates every process worker regardless of policy.
	ForceSandbox bool

	// CustomArgs are the command line "@key value" pairs handed to
	// every extension.
	CustomArgs map[string]string

	Breakpoint         string
	NoExceptionLogging bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// StartOptions are per-start settings.
type StartOptions struct {
	// Exclusive marks the extension as the only one the host was
	// asked to run.
	Exclusive bool

	// ForceSandbox isolates this start even when the policy does not.
	ForceSandbox bool
}

// Supervisor tracks running extensions. Create with New.
type Supervisor struct {
	broker        *broker.Broker
	policies      Policies
	locator       *Locator
	sandbox       *sandbox.Sandbox
	extensionsDir string
	tempDir       string
	transport     Transport
	stopTimeout   time.Duration
	forceSandbox  bool
	customArgs    map[string]string
	breakpoint    string
	noExceptions  bool
	clock         clock.Clock
	logger        *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	name string

	// state is guarded by Supervisor.mu.
	state State

	// started closes when the start attempt finishes; startErr and
	// worker are set before.
	started  chan struct{}
	startErr error
	worker   Worker
	release  func()

	cleanupOnce sync.Once
	stopped     chan struct{}
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Broker == nil || cfg.Policies == nil || cfg.Locator == nil {
		return nil, errors.New("supervisor: Broker, Policies and Locator are required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("supervisor: TempDir is required")
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportFIFO
	}
	if transport != TransportFIFO && transport != TransportStdio {
		return nil, fmt.Errorf("supervisor: unknown transport %q", transport)
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		broker:        cfg.Broker,
		policies:      cfg.Policies,
		locator:       cfg.Locator,
		sandbox:       cfg.Sandbox,
		extensionsDir: cfg.ExtensionsDir,
		tempDir:       cfg.TempDir,
		transport:     transport,
		stopTimeout:   stopTimeout,
		forceSandbox:  cfg.ForceSandbox,
		customArgs:    maps.Clone(cfg.CustomArgs),
		breakpoint:    cfg.Breakpoint,
		noExceptions:  cfg.NoExceptionLogging,
		clock:         clk,
		logger:        logger,
		entries:       make(map[string]*entry),
	}, nil
}

// Start launches name unless it is already starting or running. A
// start racing another start of the same name waits for it and shares
// its outcome. An extension that is stopping reports busy.
func (s *Supervisor) Start(ctx context.Context, name string, options StartOptions) error {
	s.mu.Lock()
	if current, ok := s.entries[name]; ok {
		switch current.state {
		case Starting:
			s.mu.Unlock()
			select {
			case <-current.started:
				return current.startErr
			case <-ctx.Done():
				return apierror.Transport("waiting for %s to start: %v", name, ctx.Err())
			}
		case Running:
			s.mu.Unlock()
			return nil
		case StopRequested:
			s.mu.Unlock()
			return apierror.Busy("extension %s is stopping", name).With("extension", name)
		}
	}
	e := &entry{
		name:    name,
		state:   Starting,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.entries[name] = e
	s.mu.Unlock()

	worker, release, err := s.launch(ctx, name, options)

	s.mu.Lock()
	if err != nil {
		e.startErr = err
		e.state = Stopped
		if s.entries[name] == e {
			delete(s.entries, name)
		}
		close(e.stopped)
	} else {
		e.worker = worker
		e.release = release
		e.state = Running
	}
	close(e.started)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("extension failed to start", "extension", name, "error", err)
		return err
	}
	go s.watch(e)
	return nil
}

// EnsureRunning starts name with default options if it is not
// running. It implements broker.Launcher.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) error {
	return s.Start(ctx, name, StartOptions{})
}

// StartAutostart starts each of names, continuing past failures.
func (s *Supervisor) StartAutostart(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := s.Start(ctx, name, StartOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// launch registers name with the broker and starts its worker. On
// failure nothing is left registered.
func (s *Supervisor) launch(ctx context.Context, name string, options StartOptions) (Worker, func(), error) {
	extension, err := s.locator.Find(name)
	if err != nil {
		return nil, nil, err
	}
	s.policies.Purge(name)
	pol, err := s.policies.Get(name)
	if err != nil {
		return nil, nil, apierror.Internal("loading policy for %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, apierror.Transport("starting %s: %v", name, err)
	}

	token, err := s.broker.Register(name, broker.Options{
		Exclusive:  options.Exclusive,
		CustomArgs: maps.Clone(s.customArgs),
	})
	if err != nil {
		return nil, nil, err
	}

	isolate := pol.UseSandbox || s.forceSandbox || options.ForceSandbox
	var (
		worker  Worker
		release func()
	)
	if extension.Builtin != nil {
		logger := s.logger.With("extension", name)
		host := sdk.New(sdk.DirectBackend{Dispatcher: s.broker}, name, token, logger)
		worker = startThread(name, extension.Builtin, host, logger)
		release = func() {}
		isolate = false
	} else {
		worker, release, err = s.launchProcess(extension, pol, token, isolate)
		if err != nil {
			s.broker.Unregister(name)
			return nil, nil, err
		}
	}

	s.logger.Info("extension started",
		"extension", name,
		"builtin", extension.Builtin != nil,
		"isolated", isolate,
		"exclusive", options.Exclusive,
	)
	return worker, release, nil
}

// watch cleans up after a worker that exits on its own.
func (s *Supervisor) watch(e *entry) {
	select {
	case <-e.worker.Exited():
	case <-e.stopped:
		return
	}
	var err error
	switch worker := e.worker.(type) {
	case *processWorker:
		err = worker.Err()
	case *threadWorker:
		err = worker.Err()
	}
	if err != nil {
		s.logger.Warn("extension exited", "extension", e.name, "error", err)
	} else {
		s.logger.Info("extension exited", "extension", e.name)
	}
	s.cleanup(e)
}

// cleanup revokes the extension's broker state and tears down its
// transport. It runs once per entry.
func (s *Supervisor) cleanup(e *entry) {
	e.cleanupOnce.Do(func() {
		s.broker.Unregister(e.name)
		e.release()
		s.mu.Lock()
		e.state = Stopped
		s.mu.Unlock()
		close(e.stopped)
	})
}

// Stop asks name to exit, terminates it after the stop timeout, and
// waits for cleanup. Stopping an extension that is not running does
// nothing.
func (s *Supervisor) Stop(name string) error {
	e := s.requestStop(name)
	if e == nil {
		return nil
	}
	return s.awaitStop(e, s.clock.Now().Add(s.stopTimeout))
}

// StopAll asks every extension to exit at once, then waits for each
// against a single shared deadline.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	var stopping []*entry
	for _, name := range names {
		if e := s.requestStop(name); e != nil {
			stopping = append(stopping, e)
		}
	}
	deadline := s.clock.Now().Add(s.stopTimeout)
	var errs []error
	for _, e := range stopping {
		if err := s.awaitStop(e, deadline); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// requestStop moves name to StopRequested and sets its exit signal.
// It returns nil when there is nothing to stop.
func (s *Supervisor) requestStop(name string) *entry {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.started

	s.mu.Lock()
	if e.startErr != nil || e.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	e.state = StopRequested
	s.mu.Unlock()

	s.logger.Info("stopping extension", "extension", name)
	s.broker.TriggerExit(name)
	return e
}

func (s *Supervisor) awaitStop(e *entry, deadline time.Time) error {
	var err error
	select {
	case <-e.worker.Exited():
	case <-e.stopped:
	case <-s.clock.After(deadline.Sub(s.clock.Now())):
		s.logger.Warn("extension did not stop in time, terminating", "extension", e.name)
		if err = e.worker.Terminate(); err != nil {
			err = fmt.Errorf("terminating %s: %w", e.name, err)
		} else if e.worker.Waitable() {
			<-e.worker.Exited()
		}
	}
	s.cleanup(e)
	return err
}

// State returns name's lifecycle state.
func (s *Supervisor) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		return e.state
	}
	return NotRunning
}

// Running reports whether name is running and not stopping.
func (s *Supervisor) Running(name string) bool {
	return s.State(name) == Running
}

// Status is one row of Statuses.
type Status struct {
	Name  string
	State State
}

// Statuses lists every tracked extension, sorted by name.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	statuses := make([]Status, 0, len(s.entries))
	for name, e := range s.entries {
		statuses = append(statuses, Status{Name: name, State: e.state})
	}
	s.mu.Unlock()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
