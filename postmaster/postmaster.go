// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package postmaster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/sdk"
)

// DefaultGracePeriod is how long after startup a request for an
// unshared function waits for it to appear.
const DefaultGracePeriod = 5 * time.Second

// receiveRetryDelay paces the receive loop after a failed receive.
const receiveRetryDelay = time.Second

// Message actions.
const (
	ActionCall          = "call"
	ActionListFunctions = "list_functions"
	ActionHasFunction   = "has_function"
	ActionFireEvent     = "fire_event"
)

// Func is a shared function. Arguments arrive as the JSON the caller
// sent; the result is encoded as JSON for the reply.
type Func func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error)

// EventHandler receives the positional arguments of a fired event.
type EventHandler func(ctx context.Context, args []json.RawMessage)

// message is every mailbox payload the postmaster sends or accepts.
type message struct {
	Action string `json:"action,omitempty"`
	ID     string `json:"id,omitempty"`

	// Sender is informational. Replies go to the envelope sender.
	Sender string `json:"sender,omitempty"`

	Func   string                     `json:"func,omitempty"`
	Name   string                     `json:"name,omitempty"`
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`

	Result    json.RawMessage `json:"result,omitempty"`
	Exception string          `json:"exception,omitempty"`
	Fault     *apierror.Wire  `json:"fault,omitempty"`
}

// Options configures a Postmaster.
type Options struct {
	Clock clock.Clock

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	Logger *slog.Logger
}

// Postmaster answers calls and events arriving in one extension's
// mailbox and correlates replies to that extension's own requests.
type Postmaster struct {
	host    *sdk.Host
	clock   clock.Clock
	grace   time.Duration
	logger  *slog.Logger
	created time.Time

	mu        sync.Mutex
	functions map[string]Func
	// shared is closed and replaced whenever a function is shared.
	shared        chan struct{}
	subscriptions map[string]map[uint64]EventHandler
	nextID        uint64
	pending       map[string]chan message
	loopCtx       context.Context
	done          chan struct{}
}

// New creates a Postmaster for host. Call Start to begin receiving.
func New(host *sdk.Host, options Options) *Postmaster {
	p := &Postmaster{
		host:          host,
		clock:         options.Clock,
		grace:         options.GracePeriod,
		logger:        options.Logger,
		functions:     make(map[string]Func),
		shared:        make(chan struct{}),
		subscriptions: make(map[string]map[uint64]EventHandler),
		pending:       make(map[string]chan message),
		done:          make(chan struct{}),
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.grace <= 0 {
		p.grace = DefaultGracePeriod
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.created = p.clock.Now()
	return p
}

// Start runs the receive loop until ctx is cancelled. Calling Start
// again has no effect.
func (p *Postmaster) Start(ctx context.Context) {
	p.mu.Lock()
	if p.loopCtx != nil {
		p.mu.Unlock()
		return
	}
	p.loopCtx = ctx
	p.mu.Unlock()
	go p.run(ctx)
}

// Done is closed when the receive loop has stopped.
func (p *Postmaster) Done() <-chan struct{} { return p.done }

func (p *Postmaster) run(ctx context.Context) {
	defer close(p.done)
	for {
		envelopes, err := p.host.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("receiving mail failed", "error", err)
			select {
			case <-p.clock.After(receiveRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, envelope := range envelopes {
			p.deliver(ctx, envelope)
		}
	}
}

// deliver offers one envelope to the call, result and event handlers
// in that order.
func (p *Postmaster) deliver(ctx context.Context, envelope broker.Envelope) {
	var msg message
	if err := json.Unmarshal(envelope.Message, &msg); err != nil {
		p.logger.Debug("dropping mail that is not a postmaster message", "from", envelope.From)
		return
	}
	switch {
	case p.handleCall(ctx, envelope.From, msg):
	case p.handleResult(msg):
	case p.handleEvent(ctx, msg):
	default:
		p.logger.Debug("dropping unrecognized message",
			"from", envelope.From,
			"action", msg.Action,
		)
	}
}

func (p *Postmaster) handleCall(ctx context.Context, from string, msg message) bool {
	switch msg.Action {
	case ActionCall:
		go p.call(ctx, from, msg)
	case ActionListFunctions:
		go func() {
			p.waitForGrace(ctx)
			p.reply(ctx, from, msg.ID, p.SharedFunctions(), nil)
		}()
	case ActionHasFunction:
		go func() {
			_, found := p.lookup(ctx, msg.Name)
			p.reply(ctx, from, msg.ID, found, nil)
		}()
	default:
		return false
	}
	return true
}

func (p *Postmaster) call(ctx context.Context, from string, msg message) {
	fn, found := p.lookup(ctx, msg.Func)
	if !found {
		p.reply(ctx, from, msg.ID, nil, apierror.NotFound("no shared function %q", msg.Func).With("function", msg.Func))
		return
	}
	result, err := invoke(ctx, fn, msg.Args, msg.Kwargs)
	if err != nil {
		p.logger.Debug("shared function failed", "function", msg.Func, "caller", from, "error", err)
	}
	p.reply(ctx, from, msg.ID, result, err)
}

func invoke(ctx context.Context, fn Func, args []json.RawMessage, kwargs map[string]json.RawMessage) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = apierror.Internal("shared function panicked: %v", recovered)
		}
	}()
	if kwargs == nil {
		kwargs = map[string]json.RawMessage{}
	}
	return fn(ctx, args, kwargs)
}

func (p *Postmaster) reply(ctx context.Context, to, id string, result any, err error) {
	out := message{ID: id, Sender: p.host.Name()}
	if err != nil {
		out.Fault, out.Exception = apierror.ToWire(err)
	} else {
		encoded, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			out.Fault, out.Exception = apierror.ToWire(apierror.Internal("encoding result: %v", marshalErr))
		} else {
			out.Result = encoded
		}
	}
	if sendErr := p.host.Send(ctx, to, out); sendErr != nil {
		p.logger.Warn("sending reply failed", "recipient", to, "error", sendErr)
	}
}

func (p *Postmaster) handleResult(msg message) bool {
	if msg.Action != "" || msg.ID == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	// Buffered for exactly one reply; duplicates are dropped.
	select {
	case ch <- msg:
	default:
	}
	return true
}

func (p *Postmaster) handleEvent(ctx context.Context, msg message) bool {
	if msg.Action != ActionFireEvent {
		return false
	}
	p.mu.Lock()
	handlers := make([]EventHandler, 0, len(p.subscriptions[msg.Name]))
	for _, handler := range p.subscriptions[msg.Name] {
		handlers = append(handlers, handler)
	}
	p.mu.Unlock()
	for _, handler := range handlers {
		go func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					p.logger.Error("event handler panicked", "event", msg.Name, "panic", recovered)
				}
			}()
			handler(ctx, msg.Args)
		}()
	}
	return true
}

// Share makes fn callable by other extensions under name, replacing
// any function already shared under it.
func (p *Postmaster) Share(name string, fn Func) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.functions[name] = fn
	close(p.shared)
	p.shared = make(chan struct{})
}

// SharedFunctions returns the names of the shared functions, sorted.
func (p *Postmaster) SharedFunctions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.functions))
	for name := range p.functions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// lookup returns the function shared under name, waiting for it while
// the startup grace period lasts.
func (p *Postmaster) lookup(ctx context.Context, name string) (Func, bool) {
	var timer <-chan time.Time
	for {
		p.mu.Lock()
		fn, ok := p.functions[name]
		shared := p.shared
		p.mu.Unlock()
		if ok {
			return fn, true
		}
		if timer == nil {
			remaining := p.grace - p.clock.Now().Sub(p.created)
			if remaining <= 0 {
				return nil, false
			}
			timer = p.clock.After(remaining)
		}
		select {
		case <-shared:
		case <-timer:
			p.mu.Lock()
			fn, ok = p.functions[name]
			p.mu.Unlock()
			return fn, ok
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (p *Postmaster) waitForGrace(ctx context.Context) {
	remaining := p.grace - p.clock.Now().Sub(p.created)
	if remaining <= 0 {
		return
	}
	select {
	case <-p.clock.After(remaining):
	case <-ctx.Done():
	}
}

// Subscription identifies one event handler registration.
type Subscription struct {
	event string
	id    uint64
}

// Subscribe runs handler, on its own goroutine, each time event is
// fired at this extension.
func (p *Postmaster) Subscribe(event string, handler EventHandler) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	handlers, ok := p.subscriptions[event]
	if !ok {
		handlers = make(map[uint64]EventHandler)
		p.subscriptions[event] = handlers
	}
	handlers[p.nextID] = handler
	return Subscription{event: event, id: p.nextID}
}

// Unsubscribe removes a subscription. Removing one twice is harmless.
func (p *Postmaster) Unsubscribe(subscription Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handlers := p.subscriptions[subscription.event]
	delete(handlers, subscription.id)
	if len(handlers) == 0 {
		delete(p.subscriptions, subscription.event)
	}
}

// FireEvent mails event with args to target. It does not wait for the
// handlers to run.
func (p *Postmaster) FireEvent(ctx context.Context, target, event string, args ...any) error {
	encoded, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return p.host.Send(ctx, target, message{
		Action: ActionFireEvent,
		Sender: p.host.Name(),
		Name:   event,
		Args:   encoded,
	})
}

// request mails msg to recipient and waits for the correlated reply.
// A zero timeout waits until ctx ends.
func (p *Postmaster) request(ctx context.Context, recipient string, msg message, timeout time.Duration) (json.RawMessage, error) {
	p.mu.Lock()
	started := p.loopCtx != nil
	p.mu.Unlock()
	if !started {
		return nil, apierror.Internal("postmaster for %s is not started", p.host.Name())
	}

	msg.ID = newID()
	msg.Sender = p.host.Name()
	replies := make(chan message, 1)
	p.mu.Lock()
	p.pending[msg.ID] = replies
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, msg.ID)
		p.mu.Unlock()
	}()

	if err := p.host.Send(ctx, recipient, msg); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		expired = p.clock.After(timeout)
	}
	select {
	case reply := <-replies:
		if reply.Fault != nil || reply.Exception != "" {
			return nil, apierror.FromWire(reply.Fault, reply.Exception)
		}
		return reply.Result, nil
	case <-expired:
		return nil, apierror.Timeout("no reply from %s to %s within %s", recipient, describe(msg), timeout).
			With("extension", recipient)
	case <-ctx.Done():
		return nil, apierror.Transport("waiting for %s: %v", recipient, ctx.Err())
	}
}

func describe(msg message) string {
	if msg.Action == ActionCall {
		return fmt.Sprintf("call %q", msg.Func)
	}
	return msg.Action
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, apierror.InvalidArgument("encoding argument %d: %v", i, err)
		}
		encoded[i] = data
	}
	return encoded, nil
}
