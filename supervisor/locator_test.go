// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/sdk"
)

func writeExecutable(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), mode); err != nil {
		t.Fatal(err)
	}
}

func TestLocatorFind(t *testing.T) {
	dir := t.TempDir()
	writeExecutable(t, filepath.Join(dir, "pkg", "pkg"), 0o755)
	writeExecutable(t, filepath.Join(dir, "single"), 0o755)
	writeExecutable(t, filepath.Join(dir, "plain"), 0o644)

	locator := NewLocator(dir)
	if err := locator.RegisterBuiltin("inproc", func(context.Context, *sdk.Host) error { return nil }); err != nil {
		t.Fatal(err)
	}

	pkg, err := locator.Find("pkg")
	if err != nil {
		t.Fatalf("Find(pkg): %v", err)
	}
	if pkg.PackageDir != filepath.Join(dir, "pkg") || pkg.CodePath != filepath.Join(dir, "pkg", "pkg") {
		t.Errorf("pkg = %+v", pkg)
	}
	if pkg.OwnPath() != pkg.PackageDir {
		t.Errorf("OwnPath = %q", pkg.OwnPath())
	}

	single, err := locator.Find("single")
	if err != nil {
		t.Fatalf("Find(single): %v", err)
	}
	if single.PackageDir != "" || single.OwnPath() != filepath.Join(dir, "single") {
		t.Errorf("single = %+v", single)
	}

	builtin, err := locator.Find("inproc")
	if err != nil || builtin.Builtin == nil {
		t.Fatalf("Find(inproc) = %+v, %v", builtin, err)
	}

	if _, err := locator.Find("plain"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("non-executable file: err = %v, want not_found", err)
	}
	if _, err := locator.Find("missing"); !apierror.Is(err, apierror.KindNotFound) {
		t.Errorf("missing: err = %v, want not_found", err)
	}

	names, err := locator.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if want := []string{"inproc", "pkg", "single"}; !slices.Equal(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", ".hidden", "..", "a/b", "a\\b", "nul\x00"} {
		if err := ValidateName(name); !apierror.Is(err, apierror.KindInvalidArgument) {
			t.Errorf("ValidateName(%q) = %v, want invalid_argument", name, err)
		}
	}
	for _, name := range []string{"alpha", "my-ext", "ext_2"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
}
