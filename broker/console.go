// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// DefaultConsoleWidth is used when the console is not a terminal.
const DefaultConsoleWidth = 100

// Console echoes extension log lines for a human watching the host.
// Lines are prefixed with "[<extension>] " and wrapped so that the
// prefix starts every physical line.
type Console struct {
	out   io.Writer
	width func() int

	mu     sync.Mutex
	styles map[slog.Level]lipgloss.Style
}

// NewConsole writes to out. width reports the current column count;
// nil means DefaultConsoleWidth.
func NewConsole(out io.Writer, width func() int) *Console {
	if width == nil {
		width = func() int { return DefaultConsoleWidth }
	}
	return &Console{
		out:   out,
		width: width,
		styles: map[slog.Level]lipgloss.Style{
			slog.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
			slog.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
			slog.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
			slog.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		},
	}
}

// TerminalWidth returns a width function for the terminal on fd,
// falling back to DefaultConsoleWidth when fd is not a terminal.
func TerminalWidth(fd int) func() int {
	return func() int {
		if !term.IsTerminal(fd) {
			return DefaultConsoleWidth
		}
		width, _, err := term.GetSize(fd)
		if err != nil || width <= 0 {
			return DefaultConsoleWidth
		}
		return width
	}
}

// Print writes one tagged, wrapped message.
func (c *Console) Print(name string, level slog.Level, message string) {
	tagged := TagLines(name, message, c.width())

	c.mu.Lock()
	defer c.mu.Unlock()
	style, ok := c.styles[level]
	if !ok {
		style = lipgloss.NewStyle()
	}
	label := style.Render(fmt.Sprintf("%-5s", level.String()))
	for _, line := range strings.Split(tagged, "\n") {
		fmt.Fprintf(c.out, "%s %s\n", label, line)
	}
}

// TagLines prefixes every line of message with "[name] ", wrapping
// lines so that prefix plus text fits in width columns. Long words are
// broken when no space is available.
func TagLines(name, message string, width int) string {
	tag := "[" + name + "] "
	room := width - ansi.StringWidth(tag)
	if room < 10 {
		room = 10
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		for _, wrapped := range strings.Split(ansi.Wrap(line, room, " "), "\n") {
			lines = append(lines, tag+wrapped)
		}
	}
	return strings.Join(lines, "\n")
}

// parseLevel accepts the level names extensions use: debug, info,
// warn/warning, error/critical.
func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical", "fatal":
		return slog.LevelError, nil
	}
	return 0, apierror.InvalidArgument("unknown log level %q", level)
}

// Log records message from the calling extension in the host log and,
// when a console is configured, echoes it.
func (b *Broker) Log(token, level, message string) error {
	name, err := b.Resolve(token)
	if err != nil {
		return err
	}
	parsed, err := parseLevel(level)
	if err != nil {
		return err
	}
	b.logger.Log(context.Background(), parsed, message, "extension", name, "source", "extension")
	if b.console != nil {
		b.console.Print(name, parsed, message)
	}
	return nil
}
