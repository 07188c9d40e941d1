// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Parse builds a Policy from document text. codePath and packageDir
// locate the extension on disk (packageDir may be empty) and provide
// its implicit write grant. strictDefault applies when the document
// has no strict_mode line. Parse never fails: unusable lines are
// skipped.
func Parse(name, document, codePath, packageDir string, strictDefault bool) *Policy {
	p := &Policy{
		Name:           name,
		UseSandbox:     true,
		StrictMode:     strictDefault,
		writeDatastore: []string{"shared/", "extensions/" + name + "/"},
	}

	switch {
	case packageDir != "":
		p.ownPath = withTrailingSeparator(filepath.Clean(packageDir))
	case codePath != "":
		p.ownPath = filepath.Clean(codePath)
	}
	if p.ownPath != "" {
		p.writeFiles = append(p.writeFiles, p.ownPath)
	}

	for _, line := range strings.Split(document, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "allow_url "):
			if re := compileAnchored(line[len("allow_url "):]); re != nil {
				p.allowURLs = append(p.allowURLs, re)
			}
		case strings.HasPrefix(line, "block_url "):
			if re := compileAnchored(line[len("block_url "):]); re != nil {
				p.blockURLs = append(p.blockURLs, re)
			}
		case strings.HasPrefix(line, "use_sandbox "):
			p.UseSandbox = ParseBool(line[len("use_sandbox "):], true)
		case strings.HasPrefix(line, "strict_mode "):
			p.StrictMode = ParseBool(line[len("strict_mode "):], false)
		case strings.HasPrefix(line, "allow_extension "):
			if peer := strings.TrimSpace(line[len("allow_extension "):]); peer != "" {
				p.peers = append(p.peers, peer)
			}
		// The write form must be tested first: "allow_datastore" is
		// its prefix.
		case strings.HasPrefix(line, "allow_datastore_write"):
			if prefix, ok := datastorePrefix(line[len("allow_datastore_write"):]); ok {
				p.writeDatastore = append(p.writeDatastore, prefix)
			}
		case strings.HasPrefix(line, "allow_datastore"):
			if prefix, ok := datastorePrefix(line[len("allow_datastore"):]); ok {
				p.readDatastore = append(p.readDatastore, prefix)
			}
		case strings.HasPrefix(line, "allow_file "):
			if path, ok := filePath(line[len("allow_file "):]); ok {
				p.readFiles = append(p.readFiles, path)
			}
		case strings.HasPrefix(line, "allow_file_write "):
			if path, ok := filePath(line[len("allow_file_write "):]); ok {
				p.writeFiles = append(p.writeFiles, path)
			}
		case strings.HasPrefix(line, "allow_file_write_ensure_exists "):
			if path, ok := filePath(line[len("allow_file_write_ensure_exists "):]); ok {
				p.ensureExistsFiles = append(p.ensureExistsFiles, path)
			}
		}
	}
	return p
}

func compileAnchored(pattern string) *regexp.Regexp {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil
	}
	return re
}

// datastorePrefix interprets the remainder of an allow_datastore line.
// Empty means every key. Otherwise it must begin with a space, and the
// prefix is normalized to end with "/".
func datastorePrefix(rest string) (string, bool) {
	if rest == "" {
		return "", true
	}
	if rest[0] != ' ' {
		return "", false
	}
	prefix := rest[1:]
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix, true
}

// filePath expands $VAR references and accepts only absolute, already
// clean paths. Anything that is not an existing regular file is
// treated as a directory grant.
func filePath(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	path := os.ExpandEnv(raw)
	if !filepath.IsAbs(path) {
		return "", false
	}
	// A trailing separator is allowed on an otherwise clean path.
	if clean := filepath.Clean(path); clean != strings.TrimSuffix(path, string(filepath.Separator)) && clean != path {
		return "", false
	}
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, true
	}
	return withTrailingSeparator(path), true
}

func withTrailingSeparator(path string) string {
	if strings.HasSuffix(path, string(filepath.Separator)) {
		return path
	}
	return path + string(filepath.Separator)
}

// ParseBool interprets a policy or configuration boolean: true/yes/on
// and false/no/off (case-insensitive), otherwise any number (non-zero
// is true), otherwise fallback.
func ParseBool(text string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if number, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return number != 0
	}
	return fallback
}
