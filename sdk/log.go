// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Log sends one line to the host log at level.
func (h *Host) Log(ctx context.Context, level slog.Level, message string) error {
	return h.call(ctx, "log", nil, levelName(level), message)
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	}
	return "debug"
}

// LogHandler is an slog.Handler that forwards records to the host log.
// Attributes are rendered in text form after the message.
type LogHandler struct {
	host  *Host
	level slog.Leveler

	// Derived handlers share the render buffer with their parent.
	render *renderBuffer
	inner  slog.Handler
}

type renderBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// LogHandler returns a handler forwarding records at or above level.
// A nil level means info.
func (h *Host) LogHandler(level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	render := &renderBuffer{}
	inner := slog.NewTextHandler(&render.buf, &slog.HandlerOptions{
		Level: slog.LevelDebug - 4,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch attr.Key {
				case slog.TimeKey, slog.LevelKey, slog.MessageKey:
					return slog.Attr{}
				}
			}
			return attr
		},
	})
	return &LogHandler{host: h, level: level, render: render, inner: inner}
}

// Logger is shorthand for slog.New(h.LogHandler(level)).
func (h *Host) Logger(level slog.Leveler) *slog.Logger {
	return slog.New(h.LogHandler(level))
}

// Enabled implements slog.Handler.
func (l *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= l.level.Level()
}

// Handle implements slog.Handler.
func (l *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	l.render.mu.Lock()
	l.render.buf.Reset()
	err := l.inner.Handle(ctx, record)
	attrs := strings.TrimSpace(l.render.buf.String())
	l.render.mu.Unlock()
	if err != nil {
		return err
	}

	line := record.Message
	if attrs != "" {
		line += " " + attrs
	}
	return l.host.Log(context.WithoutCancel(ctx), record.Level, line)
}

// WithAttrs implements slog.Handler.
func (l *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *l
	clone.inner = l.inner.WithAttrs(attrs)
	return &clone
}

// WithGroup implements slog.Handler.
func (l *LogHandler) WithGroup(name string) slog.Handler {
	clone := *l
	clone.inner = l.inner.WithGroup(name)
	return &clone
}
