// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestParseURLRules(t *testing.T) {
	p := Parse("web", `
allow_url https://api\.example\.com/.*
allow_url https://cdn\.example\.com/
block_url https://api\.example\.com/admin
allow_url ([unclosed
`, "/ext/web", "", false)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://api.example.com/v1/items", true},
		{"https://api.example.com/admin/users", false},
		{"https://cdn.example.com/logo.png", true},
		{"https://evil.test/?https://api.example.com/", false},
		{"http://api.example.com/v1", false},
	}
	for _, test := range tests {
		if got := p.URLAllowed(test.url); got != test.want {
			t.Errorf("URLAllowed(%q) = %v, want %v", test.url, got, test.want)
		}
	}
}

func TestParseDatastoreRules(t *testing.T) {
	p := Parse("counter", `
allow_datastore extensions/reader
allow_datastore_write team
allow_datastorefoo
allow_datastore_writex
`, "/ext/counter", "", false)

	tests := []struct {
		key   string
		write bool
		want  bool
	}{
		{"shared/x", true, true},
		{"extensions/counter/total", true, true},
		{"extensions/counterfeit/total", false, false},
		{"extensions/reader/k", false, true},
		{"extensions/reader/k", true, false},
		{"team/a", true, true},
		{"team/a", false, true},
		{"other/a", false, false},
	}
	for _, test := range tests {
		if got := p.DatastoreAllowed(test.key, test.write); got != test.want {
			t.Errorf("DatastoreAllowed(%q, %v) = %v, want %v", test.key, test.write, got, test.want)
		}
	}
}

func TestParseDatastoreAllPaths(t *testing.T) {
	p := Parse("admin", "allow_datastore\n", "/ext/admin", "", false)
	if !p.DatastoreAllowed("anything/at/all", false) {
		t.Error("bare allow_datastore should grant every key for reading")
	}
	if p.DatastoreAllowed("anything/at/all", true) {
		t.Error("bare allow_datastore should not grant writes")
	}
}

func TestParseFileRules(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "settings.ini")
	if err := os.WriteFile(regular, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXTHOST_TEST_DATA", filepath.Join(dir, "data"))

	p := Parse("files", `
allow_file `+regular+`
allow_file /usr/share
allow_file_write $EXTHOST_TEST_DATA
allow_file_write_ensure_exists /var/lib/files
allow_file relative/path
allow_file /usr/../etc
`, "/ext/files/files", "/ext/files", false)

	if got := p.ReadPaths(); !slices.Equal(got, []string{regular, "/usr/share/"}) {
		t.Errorf("ReadPaths = %v", got)
	}
	if got := p.WritePaths(); !slices.Equal(got, []string{"/ext/files/", filepath.Join(dir, "data") + "/"}) {
		t.Errorf("WritePaths = %v", got)
	}
	if got := p.EnsureExistsPaths(); !slices.Equal(got, []string{"/var/lib/files/"}) {
		t.Errorf("EnsureExistsPaths = %v", got)
	}

	tests := []struct {
		path  string
		write bool
		want  bool
	}{
		{regular, false, true},
		{regular, true, false},
		{regular + ".bak", false, false},
		{"/usr/share/doc/README", false, true},
		{"/usr/share", false, true},
		{"/usr/shared", false, false},
		{filepath.Join(dir, "data", "out.txt"), true, true},
		{"/var/lib/files/state", true, true},
		{"/ext/files/cache.db", true, true},
		{"/etc/passwd", false, false},
	}
	for _, test := range tests {
		if got := p.FileAllowed(test.path, test.write); got != test.want {
			t.Errorf("FileAllowed(%q, %v) = %v, want %v", test.path, test.write, got, test.want)
		}
	}
}

func TestStrictModeConfinesToOwnPath(t *testing.T) {
	p := Parse("strict", `
strict_mode yes
allow_file /usr/share
`, "/ext/strict/strict", "/ext/strict", false)

	if !p.StrictMode {
		t.Fatal("strict_mode yes not applied")
	}
	if p.FileAllowed("/usr/share/doc", false) {
		t.Error("strict mode should ignore file grants")
	}
	if !p.FileAllowed("/ext/strict/data.json", true) {
		t.Error("strict mode should allow own package directory")
	}
}

func TestStrictDefaultAndSandbox(t *testing.T) {
	p := Parse("x", "use_sandbox no\n", "/ext/x", "", true)
	if p.UseSandbox {
		t.Error("use_sandbox no not applied")
	}
	if !p.StrictMode {
		t.Error("strict default not applied")
	}
	if Parse("x", "use_sandbox maybe\n", "/ext/x", "", false).UseSandbox != true {
		t.Error("unparseable use_sandbox should default to true")
	}
}

func TestPeers(t *testing.T) {
	p := Parse("a", "allow_extension b\nallow_extension c\n", "/ext/a", "", false)
	if !p.PeerAllowed("b") || !p.PeerAllowed("c") || p.PeerAllowed("d") {
		t.Errorf("peers = %v", p.Peers())
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		text     string
		fallback bool
		want     bool
	}{
		{"YES", false, true},
		{"on", false, true},
		{"Off", true, false},
		{"0", true, false},
		{"2.5", false, true},
		{"", true, true},
		{"perhaps", false, false},
	}
	for _, test := range tests {
		if got := ParseBool(test.text, test.fallback); got != test.want {
			t.Errorf("ParseBool(%q, %v) = %v", test.text, test.fallback, got)
		}
	}
}

func TestParseIsIdempotent(t *testing.T) {
	document := "allow_url https://a/\nallow_datastore x\nallow_extension y\n"
	first := Parse("n", document, "/ext/n", "", false)
	second := Parse("n", document, "/ext/n", "", false)
	if first.URLAllowed("https://a/b") != second.URLAllowed("https://a/b") ||
		!slices.Equal(first.Peers(), second.Peers()) ||
		first.DatastoreAllowed("x/1", false) != second.DatastoreAllowed("x/1", false) {
		t.Error("parsing the same document twice produced different policies")
	}
}
