// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Config configures a Sandbox.
type Config struct {
	// Profile is the unexpanded worker profile.
	Profile *Profile

	// BwrapPath overrides bwrap discovery.
	BwrapPath string

	Logger *slog.Logger
}

// Sandbox launches workers under one profile.
type Sandbox struct {
	profile   *Profile
	bwrapPath string
	logger    *slog.Logger
}

// Launch is the per-worker part of a sandboxed launch.
type Launch struct {
	// Name identifies the worker in logs.
	Name string

	ReadPaths    []string
	WritePaths   []string
	EnsureExists []string

	// Env is the worker's environment on top of the profile's.
	Env map[string]string

	// Variables are substituted into the profile.
	Variables Variables

	Chdir   string
	Command []string
}

// New creates a Sandbox. The profile must be valid.
func New(config Config) (*Sandbox, error) {
	if config.Profile == nil {
		return nil, errors.New("sandbox: profile is required")
	}
	if err := config.Profile.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sandbox{profile: config.Profile, bwrapPath: config.BwrapPath, logger: logger}, nil
}

// Args returns the bwrap arguments for launch without creating
// anything on the host.
func (s *Sandbox) Args(launch Launch) ([]string, error) {
	variables := Variables{"TERM": os.Getenv("TERM")}
	for key, value := range launch.Variables {
		variables[key] = value
	}
	profile := variables.ExpandProfile(s.profile)

	return NewBwrapBuilder().Build(&BwrapOptions{
		Profile:      profile,
		ReadPaths:    launch.ReadPaths,
		WritePaths:   launch.WritePaths,
		EnsureExists: launch.EnsureExists,
		Env:          launch.Env,
		Chdir:        launch.Chdir,
		Command:      launch.Command,
	})
}

// Command creates the ensure-exists paths and returns an exec.Cmd
// running launch under bwrap. The command runs in its own process
// group so the whole worker tree can be signalled, and is killed if
// the host dies.
func (s *Sandbox) Command(ctx context.Context, launch Launch) (*exec.Cmd, error) {
	if err := EnsurePaths(launch.EnsureExists); err != nil {
		return nil, err
	}
	args, err := s.Args(launch)
	if err != nil {
		return nil, fmt.Errorf("building bwrap command for %s: %w", launch.Name, err)
	}

	bwrapPath := s.bwrapPath
	if bwrapPath == "" {
		bwrapPath, err = BwrapPath()
		if err != nil {
			return nil, err
		}
	}

	cmd := exec.CommandContext(ctx, bwrapPath, args...)
	// An explicit minimal environment: with a nil Env the bwrap process
	// itself would carry the host environment in /proc/<pid>/environ,
	// readable from inside the sandbox. The worker's variables travel
	// via --setenv.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=" + os.Getenv("TERM"),
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	s.logger.Debug("sandbox command built",
		"worker", launch.Name,
		"bwrap", bwrapPath,
		"read_paths", len(launch.ReadPaths),
		"write_paths", len(launch.WritePaths),
	)
	return cmd, nil
}

// EnsurePaths creates missing paths. Paths ending in a separator are
// directories; others are created as empty files in an existing or
// newly created parent directory.
func EnsurePaths(paths []string) error {
	for _, path := range paths {
		if exists(path) {
			continue
		}
		if strings.HasSuffix(path, string(filepath.Separator)) {
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", path, err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		file.Close()
	}
	return nil
}
