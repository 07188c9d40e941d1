// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox launches isolated extension workers under bubblewrap
// (bwrap) Linux namespaces.
//
// A [Profile] is the fixed part of a worker's view: system directories
// bound read-only, tmpfs mounts, which namespaces to unshare, the base
// environment. Profiles are YAML, support single inheritance, and
// undergo ${VAR} expansion ([Variables].ExpandProfile) before use. The
// built-in "worker" profile is used unless the host configuration
// names another.
//
// The per-extension part comes from the extension's permission policy
// and is passed in [Launch]: readable paths, writable paths, paths that
// must exist before the worker starts, and the worker's environment
// (name, token, IPC endpoints). [BwrapBuilder] turns the two into bwrap
// arguments; [Sandbox.Command] wraps them in an exec.Cmd.
//
// Filesystem visibility is the security boundary. Nothing on the host
// is visible unless a profile mount or a Launch path names it.
package sandbox
