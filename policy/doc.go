// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy parses and caches per-extension permission policies.
//
// A policy is a plain-text document at <permissions>/<name>.txt, one
// directive per line:
//
//	allow_url <regex>                  outbound URLs (anchored at start)
//	block_url <regex>                  block wins over allow
//	allow_datastore [<prefix>]         read a datastore prefix (none: all)
//	allow_datastore_write [<prefix>]   read and write a prefix
//	allow_file <abs-path>              read a file or directory tree
//	allow_file_write <abs-path>        read and write
//	allow_file_write_ensure_exists <abs-path>
//	                                   as allow_file_write; the path is
//	                                   created on the host before launch
//	allow_extension <name>             send mail to another extension
//	use_sandbox <bool>                 run isolated (default true)
//	strict_mode <bool>                 file access limited to own code
//
// Anything else is ignored, including lines with a bad regex or a
// relative file path. When a policy document is missing, [Engine]
// writes a commented template in its place, so an extension that has
// never been configured gets no grants beyond its implicit ones:
// writing the datastore prefixes "shared/" and "extensions/<name>/",
// and writing its own code path.
//
// Parsed policies are immutable and cached by extension name until
// [Engine.Purge] or [Engine.PurgeAll].
package policy
