// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Policy is the parsed permission set of one extension. Immutable
// after Parse.
type Policy struct {
	Name string

	UseSandbox bool
	StrictMode bool

	allowURLs []*regexp.Regexp
	blockURLs []*regexp.Regexp

	peers []string

	readDatastore  []string
	writeDatastore []string

	readFiles         []string
	writeFiles        []string
	ensureExistsFiles []string

	// ownPath is the extension's package directory (with trailing
	// separator) or its code file. Strict mode confines file access
	// to it.
	ownPath string
}

// URLAllowed reports whether url matches an allow pattern and no block
// pattern. Patterns match from the start of the URL.
func (p *Policy) URLAllowed(url string) bool {
	for _, blocked := range p.blockURLs {
		if blocked.MatchString(url) {
			return false
		}
	}
	for _, allowed := range p.allowURLs {
		if allowed.MatchString(url) {
			return true
		}
	}
	return false
}

// DatastoreAllowed reports whether key is within a granted prefix.
// Write grants also permit reads.
func (p *Policy) DatastoreAllowed(key string, write bool) bool {
	if hasPrefixIn(key, p.writeDatastore) {
		return true
	}
	return !write && hasPrefixIn(key, p.readDatastore)
}

func hasPrefixIn(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// FileAllowed reports whether the absolute, clean path may be accessed.
// In strict mode only the extension's own path is reachable; otherwise
// writes need a write grant and reads accept either grant.
func (p *Policy) FileAllowed(path string, write bool) bool {
	if p.StrictMode {
		return p.ownPath != "" && pathWithin(p.ownPath, path)
	}
	for _, grants := range [][]string{p.writeFiles, p.ensureExistsFiles} {
		for _, granted := range grants {
			if pathWithin(granted, path) {
				return true
			}
		}
	}
	if write {
		return false
	}
	for _, granted := range p.readFiles {
		if pathWithin(granted, path) {
			return true
		}
	}
	return false
}

// pathWithin reports whether path is granted or lies below it. A
// granted directory ends with a separator; the directory itself also
// matches.
func pathWithin(granted, path string) bool {
	if path == granted {
		return true
	}
	if strings.HasSuffix(granted, string(filepath.Separator)) {
		return path+string(filepath.Separator) == granted || strings.HasPrefix(path, granted)
	}
	return false
}

// PeerAllowed reports whether the extension may mail recipient.
func (p *Policy) PeerAllowed(recipient string) bool {
	return slices.Contains(p.peers, recipient)
}

// Peers returns the extensions this one may mail, in policy order.
func (p *Policy) Peers() []string { return slices.Clone(p.peers) }

// ReadPaths returns the read-only file grants.
func (p *Policy) ReadPaths() []string { return slices.Clone(p.readFiles) }

// WritePaths returns the read-write file grants, including the
// extension's own path.
func (p *Policy) WritePaths() []string { return slices.Clone(p.writeFiles) }

// EnsureExistsPaths returns grants that must exist before launch.
func (p *Policy) EnsureExistsPaths() []string { return slices.Clone(p.ensureExistsFiles) }

// OwnPath returns the extension's package directory or code file.
func (p *Policy) OwnPath() string { return p.ownPath }
