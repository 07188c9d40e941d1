// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/netutil"
)

// Client is the worker side of the protocol. A background goroutine
// reads replies and hands each to the Invoke waiting on its id.
type Client struct {
	calls  io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Reply
	err     error

	maxLine int

	done chan struct{}
}

// NewClient starts a client reading replies from replies and writing
// calls to calls.
func NewClient(replies io.Reader, calls io.Writer, logger *slog.Logger) *Client {
	return newClient(replies, calls, logger, MaxLineSize)
}

func newClient(replies io.Reader, calls io.Writer, logger *slog.Logger, maxLine int) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		calls:   calls,
		logger:  logger,
		pending: make(map[string]chan Reply),
		maxLine: maxLine,
		done:    make(chan struct{}),
	}
	go c.readLoop(replies)
	return c
}

// Done is closed when the reply stream ends. Every later Invoke fails
// with a transport error.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop(replies io.Reader) {
	lines := newLineReader(replies, c.maxLine)
	var cause error
	for {
		line, dropped, err := lines.next()
		if err != nil {
			cause = err
			break
		}
		if dropped != nil {
			c.dropReply(dropped)
			continue
		}
		var reply Reply
		if err := json.Unmarshal(line, &reply); err != nil || reply.ID == "" {
			c.logger.Warn("dropping malformed ipc reply", "error", err)
			continue
		}
		c.deliver(reply)
	}

	if netutil.IsExpectedCloseError(cause) {
		cause = io.EOF
	}
	c.mu.Lock()
	c.err = apierror.Transport("ipc channel closed: %v", cause)
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) deliver(reply Reply) {
	c.mu.Lock()
	waiter, ok := c.pending[reply.ID]
	delete(c.pending, reply.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for unknown call", "id", reply.ID)
		return
	}
	waiter <- reply
}

// dropReply fails the call an oversized reply belonged to, when its id
// can be recovered, so the caller does not wait forever.
func (c *Client) dropReply(dropped *droppedLine) {
	id := dropped.id()
	c.logger.Warn("dropping oversized ipc reply", "id", id, "length", dropped.length, "limit", c.maxLine)
	if id == "" {
		return
	}
	c.deliver(errorReply(id, apierror.Transport("reply of %d bytes exceeds the %d byte line limit", dropped.length, c.maxLine)))
}

// Invoke calls function with positional args and keyword kwargs and
// decodes the result into result (which may be nil to discard it).
// Errors raised by the host come back as *apierror.Error. If ctx ends
// first the call is abandoned: a deadline yields a timeout error,
// cancellation a transport error.
func (c *Client) Invoke(ctx context.Context, function string, args []any, kwargs map[string]any, result any) error {
	call := Call{
		ID:     uuid.NewString(),
		Func:   function,
		Args:   make([]json.RawMessage, len(args)),
		Kwargs: make(map[string]json.RawMessage, len(kwargs)),
	}
	for i, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return apierror.InvalidArgument("encoding argument %d of %s: %v", i, function, err)
		}
		call.Args[i] = encoded
	}
	for key, arg := range kwargs {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return apierror.InvalidArgument("encoding argument %q of %s: %v", key, function, err)
		}
		call.Kwargs[key] = encoded
	}
	line, err := json.Marshal(call)
	if err != nil {
		return apierror.Internal("encoding call %s: %w", function, err)
	}
	if len(line) > c.maxLine {
		return apierror.InvalidArgument("call %s is %d bytes, over the %d byte line limit", function, len(line), c.maxLine)
	}
	line = append(line, '\n')

	waiter := make(chan Reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[call.ID] = waiter
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.calls.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(call.ID)
		return apierror.Transport("sending %s: %v", function, err)
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.err
		}
		if err := reply.Err(); err != nil {
			return err
		}
		if result == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return apierror.Internal("decoding %s result: %w", function, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(call.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apierror.Timeout("%s: no reply before deadline", function)
		}
		return apierror.Transport("%s: %v", function, ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
