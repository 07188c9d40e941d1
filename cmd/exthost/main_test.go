// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/exthost/supervisor"
)

func TestParseCustomArgs(t *testing.T) {
	tests := []struct {
		args []string
		want map[string]string
	}{
		{nil, map[string]string{}},
		{[]string{"@mode", "fast"}, map[string]string{"mode": "fast"}},
		{[]string{"@verbose", "@mode", "fast"}, map[string]string{"verbose": "", "mode": "fast"}},
		{[]string{"@mode", "fast", "@last"}, map[string]string{"mode": "fast", "last": ""}},
	}
	for _, test := range tests {
		got, err := parseCustomArgs(test.args)
		if err != nil {
			t.Errorf("parseCustomArgs(%q): %v", test.args, err)
			continue
		}
		if !maps.Equal(got, test.want) {
			t.Errorf("parseCustomArgs(%q) = %v, want %v", test.args, got, test.want)
		}
	}

	for _, args := range [][]string{{"stray"}, {"@"}, {"@a", "b", "c"}} {
		if _, err := parseCustomArgs(args); err == nil {
			t.Errorf("parseCustomArgs(%q) succeeded", args)
		}
	}
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, "exthost.yaml")
	document := "paths:\n  root: " + root + "\n  temp: " + filepath.Join(root, "tmp") + "\nhttp:\n  port: 8000\n"
	if err := os.WriteFile(configPath, []byte(document), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := parseOptions([]string{
		"-c", configPath,
		"-e", filepath.Join(root, "ext"),
		"--permissions", filepath.Join(root, "perm"),
		"-p", "9000",
		"-b", "0.0.0.0",
		"-f",
		"-r", "alpha",
		"@mode", "test",
	})
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if opts.runName != "alpha" || opts.customArgs["mode"] != "test" {
		t.Errorf("options = %+v", opts)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Paths.Extensions != filepath.Join(root, "ext") || cfg.Paths.Permissions != filepath.Join(root, "perm") {
		t.Errorf("paths = %+v", cfg.Paths)
	}
	if cfg.Paths.Datastore != filepath.Join(root, "datastore.db") {
		t.Errorf("datastore path = %q", cfg.Paths.Datastore)
	}
	if cfg.Address() != "0.0.0.0:9000" {
		t.Errorf("address = %q", cfg.Address())
	}
	if !cfg.Extensions.ForceSandbox {
		t.Error("force sandbox flag not applied")
	}
}

type fixedStatuses []supervisor.Status

func (f fixedStatuses) Statuses() []supervisor.Status { return f }

func TestStatusReport(t *testing.T) {
	report := statusReport(fixedStatuses{
		{Name: "alpha", State: supervisor.Running},
		{Name: "beta", State: supervisor.Stopped},
	})
	want := []statusEntry{{"alpha", "running"}, {"beta", "stopped"}}
	if !slices.Equal(report, want) {
		t.Errorf("report = %+v, want %+v", report, want)
	}
}
