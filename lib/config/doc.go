// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the extension host's YAML configuration.
//
// A configuration file is named by the EXTHOST_CONFIG environment
// variable (via [Load]) or the --config flag (via [LoadFile]). With
// neither, [Default] applies unchanged. Values in the file overlay the
// defaults; fields the file omits keep their default.
//
// Path fields accept ${VAR} and ${VAR:-default}. ${EXTHOST_ROOT}
// expands to paths.root so the other directories can be written
// relative to it.
//
// Key exports:
//
//   - [Config] with Paths, HTTP, Connections, Extensions, Datastore,
//     and Logging sections
//   - [Default], [Load], [LoadFile]
//   - [Config.Validate] and [Config.EnsurePaths]
package config
