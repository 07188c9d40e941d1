// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resolver locates an extension's code on disk. packageDir is empty
// for single-file extensions.
type Resolver interface {
	Paths(name string) (codePath, packageDir string, err error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Dir holds the <name>.txt policy documents. Created on demand.
	Dir string

	Resolver Resolver

	// StrictDefault is strict_mode for documents that omit it.
	StrictDefault bool

	Logger *slog.Logger
}

// Engine loads, parses and caches policies.
type Engine struct {
	dir           string
	resolver      Resolver
	strictDefault bool
	logger        *slog.Logger

	mu    sync.Mutex
	cache map[string]*Policy
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		dir:           cfg.Dir,
		resolver:      cfg.Resolver,
		strictDefault: cfg.StrictDefault,
		logger:        logger,
		cache:         make(map[string]*Policy),
	}
}

// Get returns the cached policy for name, loading it on first use.
func (e *Engine) Get(name string) (*Policy, error) {
	e.mu.Lock()
	cached, ok := e.cache[name]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	document, err := e.Load(name)
	if err != nil {
		return nil, err
	}
	parsed, err := e.Parse(name, document)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A concurrent Get may have won; keep one instance per name.
	if existing, ok := e.cache[name]; ok {
		return existing, nil
	}
	e.cache[name] = parsed
	return parsed, nil
}

// Parse parses document as name's policy without caching it.
func (e *Engine) Parse(name, document string) (*Policy, error) {
	codePath, packageDir, err := e.resolver.Paths(name)
	if err != nil {
		return nil, fmt.Errorf("resolving extension %s: %w", name, err)
	}
	return Parse(name, document, codePath, packageDir, e.strictDefault), nil
}

// Path returns where name's document lives.
func (e *Engine) Path(name string) string {
	return filepath.Join(e.dir, name+".txt")
}

// Load returns the document text for name, writing the default
// template first if no document exists. Concurrent first loads agree
// on a single file: the template is hard-linked into place, which
// fails if the name exists, and losers re-read.
func (e *Engine) Load(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) || name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid extension name %q", name)
	}
	path := e.Path(name)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("reading policy %s: %w", path, err)
		}

		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			return "", fmt.Errorf("creating policy directory: %w", err)
		}
		document := DefaultTemplate(name)
		created, err := publishExclusive(e.dir, path, document)
		if err != nil {
			return "", fmt.Errorf("creating policy %s: %w", path, err)
		}
		if !created {
			continue
		}
		e.logger.Info("wrote default policy", "extension", name, "path", path)
		return document, nil
	}
}

// Purge drops name's cached policy so the next Get re-reads it.
func (e *Engine) Purge(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, name)
}

// PurgeAll drops every cached policy.
func (e *Engine) PurgeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.cache)
}

// DefaultTemplate returns the commented policy written for an
// extension that has none. It grants nothing.
func DefaultTemplate(name string) string {
	return strings.ReplaceAll(defaultTemplate, "$EXTENSIONNAME", name)
}

const defaultTemplate = `
# Permissions for $EXTENSIONNAME.
# Directives are lower case. Lines that are not a directive are ignored.
#
# allow_url https://api\.example\.com/.+
#   Allow outbound requests to URLs matching the regex. The pattern is
#   matched from the start of the URL.
#
# block_url https://api\.example\.com/admin/.*
#   Block URLs matching the regex. Block wins over allow.
#
# allow_datastore extensions/other
#   Read-only access to keys under extensions/other/.
#
# allow_datastore
#   Read-only access to every key.
#
# allow_datastore_write extensions/other
#   Read and write keys under extensions/other/.
#
# allow_datastore_write
#   Read and write every key.
#
# allow_file /srv/data
#   Read-only access to /srv/data and everything below it.
#   The path must be absolute.
#
# allow_file_write /srv/data
#   Read and write access to /srv/data.
#
# allow_file_write_ensure_exists /srv/data
#   As allow_file_write, and the directory is created before the
#   extension starts so that it persists outside the sandbox.
#
# allow_extension other
#   Allow sending messages to the extension named other.
#
# use_sandbox yes
#   Run isolated. Default yes. Accepts yes/no, true/false, on/off, 1/0.
#
# strict_mode yes
#   Limit file access to the extension's own code. Default no.
`

// publishExclusive writes content to a temporary file and links it to
// path. It reports false without error when path already exists.
// Readers never observe a partially written document.
func publishExclusive(dir, path, content string) (bool, error) {
	temp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(temp.Name())

	_, writeErr := temp.WriteString(content)
	closeErr := temp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return false, err
	}
	if err := os.Chmod(temp.Name(), 0o644); err != nil {
		return false, err
	}
	if err := os.Link(temp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
