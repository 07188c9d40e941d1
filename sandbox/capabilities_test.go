// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestAvailabilityErr(t *testing.T) {
	tests := []struct {
		availability Availability
		want         string
	}{
		{Availability{}, "bubblewrap not installed"},
		{Availability{BwrapPath: "/usr/bin/bwrap"}, "user namespaces"},
		{Availability{BwrapPath: "/usr/bin/bwrap", UserNamespaces: true}, ""},
	}
	for _, test := range tests {
		err := test.availability.Err()
		if test.want == "" {
			if err != nil {
				t.Errorf("%+v: Err() = %v", test.availability, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%+v: Err() = %v, want %q", test.availability, err, test.want)
		}
	}
}

func TestDetectWithBrokenBwrap(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "bwrap")
	availability := Detect(missing)
	if availability.BwrapPath != missing || availability.UserNamespaces {
		t.Errorf("Detect(%s) = %+v", missing, availability)
	}
	if availability.Err() == nil {
		t.Error("Err() = nil for a bwrap that cannot run")
	}
}
