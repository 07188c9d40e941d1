// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// exitCoder is an error that carries its own process exit status.
type exitCoder interface {
	ExitCode() int
}

// ExitCode returns the status main should exit with for err: 0 for
// nil, the error's own code when it carries one, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// Report writes err to w in the form main uses before logging is
// configured.
func Report(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
}

// Fatal reports err on stderr and exits with ExitCode(err). It is for
// errors returned from run() in main, where the structured logger may
// not exist yet.
func Fatal(err error) {
	Report(os.Stderr, err)
	os.Exit(ExitCode(err))
}
