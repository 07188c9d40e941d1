// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltinProfiles(t *testing.T) {
	loader := NewProfileLoader(nil)
	if got := strings.Join(loader.List(), ","); got != "worker,worker-debug" {
		t.Errorf("built-in profiles = %s", got)
	}

	worker, err := loader.Resolve(DefaultProfileName)
	if err != nil {
		t.Fatal(err)
	}
	if !worker.Namespaces.Net || !worker.Security.DieWithParent {
		t.Errorf("worker profile = %+v", worker)
	}

	debug, err := loader.Resolve("worker-debug")
	if err != nil {
		t.Fatal(err)
	}
	if debug.Namespaces.Net {
		t.Error("worker-debug should share the host network")
	}
	if len(debug.Filesystem) != len(worker.Filesystem) || debug.Environment["EXTHOST_SANDBOX"] != "1" {
		t.Error("worker-debug did not inherit worker's mounts and environment")
	}
}

func TestLoadFileOverridesAndInherits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	document := `
profiles:
  worker:
    description: "site worker"
    filesystem:
      - source: /usr
        dest: /usr
        mode: ro
  gpu:
    inherit: worker
    filesystem:
      - source: /dev/dri
        dest: /dev/dri
        type: dev-bind
        optional: true
`
	if err := os.WriteFile(path, []byte(document), 0o644); err != nil {
		t.Fatal(err)
	}
	loader := NewProfileLoader(nil)
	if _, err := loader.Resolve("worker"); err != nil {
		t.Fatal(err)
	}
	if err := loader.LoadFile(path); err != nil {
		t.Fatal(err)
	}

	worker, err := loader.Resolve("worker")
	if err != nil {
		t.Fatal(err)
	}
	if worker.Description != "site worker" || len(worker.Filesystem) != 1 {
		t.Errorf("override not applied: %+v", worker)
	}
	gpu, err := loader.Resolve("gpu")
	if err != nil {
		t.Fatal(err)
	}
	if len(gpu.Filesystem) != 2 || gpu.Filesystem[1].Type != MountTypeDevBind {
		t.Errorf("gpu filesystem = %+v", gpu.Filesystem)
	}
}

func TestResolveErrors(t *testing.T) {
	loader := NewProfileLoader(nil)
	if _, err := loader.Resolve("nonexistent"); err == nil {
		t.Error("expected error for unknown profile")
	}

	config, err := ParseProfilesConfig([]byte(`
profiles:
  a:
    inherit: b
  b:
    inherit: a
`))
	if err != nil {
		t.Fatal(err)
	}
	loader.configs = append(loader.configs, config)
	if _, err := loader.Resolve("a"); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("cycle error = %v", err)
	}
}

func TestParseProfilesConfigValidates(t *testing.T) {
	_, err := ParseProfilesConfig([]byte(`
profiles:
  broken:
    filesystem:
      - source: /usr
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := ParseProfilesConfig([]byte("profiles: [")); err == nil {
		t.Error("expected YAML error")
	}
}
