// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"strings"
)

// Availability reports whether isolated workers can be launched on
// this system.
type Availability struct {
	// BwrapPath is empty when bubblewrap was not found.
	BwrapPath    string
	BwrapVersion string

	// UserNamespaces is true if bwrap can create an unprivileged
	// user namespace.
	UserNamespaces bool
}

// Detect probes for bubblewrap and working user namespaces. A
// non-empty bwrapPath is used instead of searching for bwrap.
func Detect(bwrapPath string) Availability {
	var availability Availability
	if bwrapPath == "" {
		path, err := BwrapPath()
		if err != nil {
			return availability
		}
		bwrapPath = path
	}
	availability.BwrapPath = bwrapPath
	if out, err := exec.Command(bwrapPath, "--version").Output(); err == nil {
		availability.BwrapVersion = strings.TrimSpace(string(out))
	}
	availability.UserNamespaces = userNamespacesWork(bwrapPath)
	return availability
}

// userNamespacesWork runs a trivial command in a fresh user
// namespace.
func userNamespacesWork(bwrapPath string) bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return false
	}
	return exec.Command(bwrapPath, "--unshare-user", "--ro-bind", "/", "/", "--", "true").Run() == nil
}

// Err is nil when isolated workers can run, and otherwise says what
// is missing.
func (a Availability) Err() error {
	if a.BwrapPath == "" {
		return errors.New("bubblewrap not installed")
	}
	if !a.UserNamespaces {
		return errors.New("unprivileged user namespaces not enabled (set kernel.unprivileged_userns_clone=1)")
	}
	return nil
}
