// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apierror

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestConstructorsSetKind(t *testing.T) {
	tests := []struct {
		err  *Error
		kind Kind
	}{
		{PermissionDenied("no"), KindPermissionDenied},
		{NotFound("no"), KindNotFound},
		{InvalidArgument("no"), KindInvalidArgument},
		{Busy("no"), KindBusy},
		{Timeout("no"), KindTimeout},
		{Transport("no"), KindTransport},
		{Internal("no"), KindInternal},
	}
	for _, test := range tests {
		if test.err.Kind != test.kind {
			t.Errorf("kind = %q, want %q", test.err.Kind, test.kind)
		}
		if got := test.err.Error(); got != string(test.kind)+": no" {
			t.Errorf("Error() = %q", got)
		}
	}
}

func TestInternalKeepsCause(t *testing.T) {
	err := Internal("reading config: %w", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("wrapped cause is not reachable through errors.Is")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Error("KindOf(nil) should be empty")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain errors should classify as internal")
	}
	wrapped := fmt.Errorf("outer: %w", Busy("held"))
	if KindOf(wrapped) != KindBusy {
		t.Errorf("KindOf(wrapped) = %q, want busy", KindOf(wrapped))
	}
	if !Is(wrapped, KindBusy) || Is(wrapped, KindTimeout) {
		t.Error("Is mismatch on wrapped busy error")
	}
}

func TestWireRoundTripPreservesKindAndFields(t *testing.T) {
	original := PermissionDenied("file access denied").With("path", "/etc/shadow")
	wire, exception := ToWire(original)
	if exception != "permission_denied: file access denied" {
		t.Errorf("exception = %q", exception)
	}

	rebuilt := FromWire(wire, exception)
	if rebuilt.Kind != KindPermissionDenied {
		t.Errorf("kind = %q", rebuilt.Kind)
	}
	if rebuilt.Fields["path"] != "/etc/shadow" {
		t.Errorf("fields = %v", rebuilt.Fields)
	}
}

func TestFromWireWithoutRecord(t *testing.T) {
	rebuilt := FromWire(nil, "timeout: no reply")
	if rebuilt.Kind != KindTimeout || rebuilt.Message != "no reply" {
		t.Errorf("got %+v", rebuilt)
	}

	unknown := FromWire(nil, "KeyError('x')")
	if unknown.Kind != KindInternal || unknown.Message != "KeyError('x')" {
		t.Errorf("unknown text should become internal verbatim, got %+v", unknown)
	}
}

func TestToWireForeignError(t *testing.T) {
	wire, exception := ToWire(errors.New("disk on fire"))
	if wire.Kind != KindInternal || exception != "internal: disk on fire" {
		t.Errorf("wire = %+v, exception = %q", wire, exception)
	}
}
