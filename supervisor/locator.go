// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/sdk"
)

// BuiltinFunc is the body of an in-process extension. It should
// return when ctx is cancelled or host.ExitWait returns.
type BuiltinFunc func(ctx context.Context, host *sdk.Host) error

// Extension is a located extension.
type Extension struct {
	Name string

	// CodePath is the executable. Empty for built-ins.
	CodePath string

	// PackageDir is the extension's directory, or empty for a
	// single-file extension.
	PackageDir string

	Builtin BuiltinFunc
}

// OwnPath is the path the extension may always write: its package
// directory, or its code file.
func (e Extension) OwnPath() string {
	if e.PackageDir != "" {
		return e.PackageDir
	}
	return e.CodePath
}

// Locator finds extensions by name: registered built-ins first, then
// <dir>/<name>/<name> (a package directory), then <dir>/<name> (a
// single executable). It implements policy.Resolver.
type Locator struct {
	dir string

	mu       sync.RWMutex
	builtins map[string]BuiltinFunc
}

// NewLocator searches extensionsDir.
func NewLocator(extensionsDir string) *Locator {
	return &Locator{dir: extensionsDir, builtins: make(map[string]BuiltinFunc)}
}

// RegisterBuiltin makes fn available as extension name. Built-ins
// shadow executables of the same name.
func (l *Locator) RegisterBuiltin(name string, fn BuiltinFunc) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builtins[name] = fn
	return nil
}

// ValidateName rejects names that cannot be a single path component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return apierror.InvalidArgument("empty extension name")
	case strings.HasPrefix(name, "."):
		return apierror.InvalidArgument("extension name %q starts with a dot", name).With("extension", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return apierror.InvalidArgument("extension name %q contains a path separator", name).With("extension", name)
	}
	return nil
}

// Find locates name.
func (l *Locator) Find(name string) (Extension, error) {
	if err := ValidateName(name); err != nil {
		return Extension{}, err
	}
	l.mu.RLock()
	builtin, ok := l.builtins[name]
	l.mu.RUnlock()
	if ok {
		return Extension{Name: name, PackageDir: filepath.Join(l.dir, name), Builtin: builtin}, nil
	}

	packageDir := filepath.Join(l.dir, name)
	if executable(filepath.Join(packageDir, name)) {
		return Extension{Name: name, CodePath: filepath.Join(packageDir, name), PackageDir: packageDir}, nil
	}
	if executable(packageDir) {
		return Extension{Name: name, CodePath: packageDir}, nil
	}
	return Extension{}, apierror.NotFound("no extension named %s", name).With("extension", name)
}

// Paths implements policy.Resolver.
func (l *Locator) Paths(name string) (codePath, packageDir string, err error) {
	extension, err := l.Find(name)
	if err != nil {
		return "", "", err
	}
	return extension.CodePath, extension.PackageDir, nil
}

// List returns the names of every locatable extension, sorted.
func (l *Locator) List() ([]string, error) {
	seen := make(map[string]bool)
	l.mu.RLock()
	for name := range l.builtins {
		seen[name] = true
	}
	l.mu.RUnlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, entry := range entries {
		if ValidateName(entry.Name()) != nil || seen[entry.Name()] {
			continue
		}
		if _, err := l.Find(entry.Name()); err == nil {
			seen[entry.Name()] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func executable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
