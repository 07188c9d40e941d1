// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// BwrapOptions holds options for building a bwrap command.
type BwrapOptions struct {
	// Profile is the resolved and expanded profile to use.
	Profile *Profile

	// ReadPaths are bound read-only at the same path, if they exist.
	ReadPaths []string

	// WritePaths are bound read-write at the same path, if they exist.
	WritePaths []string

	// EnsureExists are bound read-write at the same path. The caller
	// creates them first; a missing one fails the launch.
	EnsureExists []string

	// Env is added to the profile environment, overriding it.
	Env map[string]string

	// Chdir is the working directory inside the sandbox.
	Chdir string

	// Command is the command to run inside the sandbox.
	Command []string
}

// BwrapBuilder builds bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
	env  map[string]string
}

// NewBwrapBuilder creates a new builder.
func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{
		args: []string{},
		env:  make(map[string]string),
	}
}

// Build constructs the bwrap arguments from options. The environment
// is always cleared; only the profile and option variables reach the
// worker.
func (b *BwrapBuilder) Build(opts *BwrapOptions) ([]string, error) {
	if opts.Profile == nil {
		return nil, errors.New("profile is required")
	}
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	b.args = []string{}
	b.env = make(map[string]string)

	b.addNamespaces(opts.Profile.Namespaces)
	b.addSecurity(opts.Profile.Security)
	b.args = append(b.args, "--proc", "/proc", "--dev", "/dev")

	b.addProfileMounts(opts.Profile)

	for _, path := range opts.ReadPaths {
		path = filepath.Clean(path)
		b.args = append(b.args, "--ro-bind-try", path, path)
	}
	for _, path := range opts.WritePaths {
		path = filepath.Clean(path)
		b.args = append(b.args, "--bind-try", path, path)
	}
	for _, path := range opts.EnsureExists {
		path = filepath.Clean(path)
		b.args = append(b.args, "--bind", path, path)
	}

	for _, dir := range opts.Profile.CreateDirs {
		b.args = append(b.args, "--dir", dir)
	}

	b.args = append(b.args, "--clearenv")
	for key, value := range opts.Profile.Environment {
		b.env[key] = value
	}
	for key, value := range opts.Env {
		b.env[key] = value
	}
	// Sort keys for deterministic output.
	envKeys := make([]string, 0, len(b.env))
	for key := range b.env {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		b.args = append(b.args, "--setenv", key, b.env[key])
	}

	if opts.Chdir != "" {
		b.args = append(b.args, "--chdir", opts.Chdir)
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, opts.Command...)
	return b.args, nil
}

// addNamespaces adds namespace unsharing options.
func (b *BwrapBuilder) addNamespaces(ns NamespaceConfig) {
	if ns.PID {
		b.args = append(b.args, "--unshare-pid")
	}
	if ns.Net {
		b.args = append(b.args, "--unshare-net")
	}
	if ns.IPC {
		b.args = append(b.args, "--unshare-ipc")
	}
	if ns.UTS {
		b.args = append(b.args, "--unshare-uts")
	}
	if ns.Cgroup {
		b.args = append(b.args, "--unshare-cgroup")
	}
	if ns.User {
		b.args = append(b.args, "--unshare-user")
	}
}

// addSecurity adds security options.
func (b *BwrapBuilder) addSecurity(sec SecurityConfig) {
	if sec.NewSession {
		b.args = append(b.args, "--new-session")
	}
	if sec.DieWithParent {
		b.args = append(b.args, "--die-with-parent")
	}
	// --cap-drop ALL and PR_SET_NO_NEW_PRIVS are always set by bwrap.
}

// addProfileMounts adds mounts from the profile configuration.
func (b *BwrapBuilder) addProfileMounts(profile *Profile) {
	for _, mount := range profile.Filesystem {
		switch mount.Type {
		case MountTypeTmpfs:
			b.args = append(b.args, "--tmpfs", mount.Dest)

		case MountTypeProc:
			b.args = append(b.args, "--proc", mount.Dest)

		case MountTypeDev:
			b.args = append(b.args, "--dev", mount.Dest)

		case MountTypeDevBind:
			if mount.Optional && !exists(mount.Source) {
				continue
			}
			b.args = append(b.args, "--dev-bind", mount.Source, mount.Dest)

		default:
			if mount.Optional && !exists(mount.Source) {
				continue
			}
			if mount.Mode == MountModeRW {
				b.args = append(b.args, "--bind", mount.Source, mount.Dest)
			} else {
				b.args = append(b.args, "--ro-bind", mount.Source, mount.Dest)
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// BwrapPath returns the path to the bwrap executable: a standard
// location first, then PATH.
func BwrapPath() (string, error) {
	for _, path := range []string{"/usr/bin/bwrap", "/usr/local/bin/bwrap", "/bin/bwrap"} {
		if exists(path) {
			return path, nil
		}
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return "", fmt.Errorf("bwrap not found: %w", err)
	}
	return path, nil
}
