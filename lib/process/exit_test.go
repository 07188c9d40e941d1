// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError int

func (e codedError) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e codedError) ExitCode() int { return int(e) }

func TestExitCode(t *testing.T) {
	if code := ExitCode(nil); code != 0 {
		t.Errorf("ExitCode(nil) = %d", code)
	}
	if code := ExitCode(errors.New("plain")); code != 1 {
		t.Errorf("plain error: %d", code)
	}
	if code := ExitCode(fmt.Errorf("wrapped: %w", codedError(3))); code != 3 {
		t.Errorf("wrapped coded error: %d", code)
	}
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	Report(&out, errors.New("no config"))
	if out.String() != "error: no config\n" {
		t.Errorf("Report wrote %q", out.String())
	}
}
