// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/netutil"
)

// Server reads calls from one worker and writes replies back. Every
// call runs on its own goroutine so a blocking call (exit_wait,
// messages_get, connection_get) does not hold up the others.
type Server struct {
	calls      io.Reader
	replies    io.Writer
	dispatcher Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex

	inFlight sync.WaitGroup

	maxLine int
}

// NewServer creates a server reading calls from calls and writing
// replies to replies. The logger should carry the worker's identity.
func NewServer(calls io.Reader, replies io.Writer, dispatcher Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		calls:      calls,
		replies:    replies,
		dispatcher: dispatcher,
		logger:     logger,
		maxLine:    MaxLineSize,
	}
}

// Serve processes calls until the call stream ends or ctx is
// cancelled. If the call stream is an io.Closer it is closed on
// cancellation to unblock the read. In-flight calls are cancelled and
// waited for before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if closer, ok := s.calls.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	lines := newLineReader(s.calls, s.maxLine)
	var err error
	for {
		var line []byte
		var dropped *droppedLine
		line, dropped, err = lines.next()
		if err != nil {
			break
		}
		if dropped != nil {
			s.dropCall(dropped)
			continue
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var call Call
		if err := json.Unmarshal(line, &call); err != nil || call.ID == "" || call.Func == "" {
			s.logger.Warn("dropping malformed ipc line", "error", err, "length", len(line))
			continue
		}

		if strings.HasPrefix(call.Func, "_") {
			s.logger.Warn("rejected call to private operation", "func", call.Func)
			s.write(errorReply(call.ID, apierror.PermissionDenied("operation %q is not public", call.Func)))
			continue
		}

		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.handle(ctx, call)
		}()
	}

	cancel()
	s.inFlight.Wait()
	if !netutil.IsExpectedCloseError(err) {
		return apierror.Transport("reading calls: %v", err)
	}
	return nil
}

// dropCall answers an oversized call with invalid_argument when its id
// can be recovered. The stream itself stays usable.
func (s *Server) dropCall(dropped *droppedLine) {
	id := dropped.id()
	s.logger.Warn("dropping oversized ipc line", "id", id, "length", dropped.length, "limit", s.maxLine)
	if id == "" {
		return
	}
	s.write(errorReply(id, apierror.InvalidArgument("call of %d bytes exceeds the %d byte line limit", dropped.length, s.maxLine)))
}

func (s *Server) handle(ctx context.Context, call Call) {
	result, err := s.dispatcher.Dispatch(ctx, call.Func, call.Args, call.Kwargs)
	if err != nil {
		s.logger.Debug("call failed", "func", call.Func, "error", err)
		s.write(errorReply(call.ID, err))
		return
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		s.write(errorReply(call.ID, apierror.Internal("encoding %s result: %w", call.Func, err)))
		return
	}
	s.write(Reply{ID: call.ID, Result: encoded})
}

// write sends one reply line. Replies are written whole under writeMu
// so concurrent calls never interleave.
func (s *Server) write(reply Reply) {
	encoded, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encoding reply", "id", reply.ID, "error", err)
		return
	}
	if len(encoded) > s.maxLine && reply.Exception == nil {
		s.logger.Warn("reply exceeds line limit", "id", reply.ID, "length", len(encoded), "limit", s.maxLine)
		s.write(errorReply(reply.ID, apierror.InvalidArgument("result of %d bytes exceeds the %d byte line limit", len(encoded), s.maxLine)))
		return
	}
	encoded = append(encoded, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.replies.Write(encoded); err != nil {
		level := slog.LevelWarn
		if netutil.IsExpectedCloseError(err) {
			level = slog.LevelDebug
		}
		s.logger.Log(context.Background(), level, "writing reply", "id", reply.ID, "error", err)
	}
}
