// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via -ldflags -X at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/exthost/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// commit returns the injected commit, or the VCS revision the Go
// toolchain stamped into the binary when none was injected.
func commit() (revision string, dirty bool) {
	if GitCommit != "unknown" {
		return GitCommit, GitDirty == "true"
	}
	info, ok := readBuildInfo()
	if !ok {
		return GitCommit, false
	}
	revision = GitCommit
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
			if len(revision) > 7 {
				revision = revision[:7]
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return revision, dirty
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	revision, dirty := commit()
	suffix := ""
	if dirty {
		suffix = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, revision, suffix, BuildTime)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes the --version line for binary to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}
