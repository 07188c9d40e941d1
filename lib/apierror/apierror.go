// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the closed error vocabulary shared by the
// capability broker and the worker-side API. Every error an extension
// can observe from a broker operation carries one of the [Kind] values
// below, so that workers can branch on the kind rather than parsing
// message text.
//
// Errors cross the IPC boundary as data: [ToWire] flattens an error
// into a [Wire] record plus a "kind: message" exception string, and
// [FromWire] rebuilds an *Error on the other side. Errors that did not
// originate from this package are reported as [Internal].
package apierror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a broker error.
type Kind string

const (
	// KindPermissionDenied: the policy of the calling extension does
	// not grant the requested capability, or the token is unknown.
	KindPermissionDenied Kind = "permission_denied"

	// KindNotFound: a referenced handle, key, file, or extension does
	// not exist.
	KindNotFound Kind = "not_found"

	// KindInvalidArgument: the call arguments are malformed (bad file
	// mode, non-boolean ssl_verify, unparseable regex, wrong arity).
	KindInvalidArgument Kind = "invalid_argument"

	// KindBusy: the resource exists but is currently held by someone
	// else.
	KindBusy Kind = "busy"

	// KindTimeout: a bounded wait expired.
	KindTimeout Kind = "timeout"

	// KindTransport: the IPC channel failed or closed mid-call.
	KindTransport Kind = "transport"

	// KindInternal: anything unexpected, including I/O failures and
	// errors whose kind could not be recovered from the wire.
	KindInternal Kind = "internal"
)

var knownKinds = map[Kind]bool{
	KindPermissionDenied: true,
	KindNotFound:         true,
	KindInvalidArgument:  true,
	KindBusy:             true,
	KindTimeout:          true,
	KindTransport:        true,
	KindInternal:         true,
}

// Valid reports whether k is a member of the vocabulary.
func (k Kind) Valid() bool { return knownKinds[k] }

// Error is a kinded broker error. Fields carries optional structured
// detail (the denied path, the missing key) that travels with the
// error across the transport.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string

	// err is the wrapped cause, kept for errors.Is/As on the side
	// where the error was created. It does not cross the wire.
	err error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.err }

// With returns a copy of e carrying an additional field.
func (e *Error) With(key, value string) *Error {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{Kind: e.Kind, Message: e.Message, Fields: fields, err: e.err}
}

func newf(kind Kind, format string, args ...any) *Error {
	wrapped := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: wrapped.Error(), err: errors.Unwrap(wrapped)}
}

// PermissionDenied creates a permission_denied error.
func PermissionDenied(format string, args ...any) *Error {
	return newf(KindPermissionDenied, format, args...)
}

// NotFound creates a not_found error.
func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

// InvalidArgument creates an invalid_argument error.
func InvalidArgument(format string, args ...any) *Error {
	return newf(KindInvalidArgument, format, args...)
}

// Busy creates a busy error.
func Busy(format string, args ...any) *Error {
	return newf(KindBusy, format, args...)
}

// Timeout creates a timeout error.
func Timeout(format string, args ...any) *Error {
	return newf(KindTimeout, format, args...)
}

// Transport creates a transport error.
func Transport(format string, args ...any) *Error {
	return newf(KindTransport, format, args...)
}

// Internal creates an internal error. Use %w to keep the cause
// reachable through errors.Is on the creating side.
func Internal(format string, args ...any) *Error {
	return newf(KindInternal, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal for any other non-nil error. Returns "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Wire is the structured error record carried in IPC replies and
// mailbox replies alongside the exception string.
type Wire struct {
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ToWire converts err into its transport form. Non-API errors become
// internal errors carrying err's text.
func ToWire(err error) (*Wire, string) {
	if err == nil {
		return nil, ""
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: err.Error()}
	}
	wire := &Wire{Kind: apiErr.Kind, Message: apiErr.Message, Fields: apiErr.Fields}
	return wire, apiErr.Error()
}

// FromWire rebuilds an error from a reply. The structured record is
// preferred; without one the exception text is parsed for a leading
// "kind: " prefix; text without a recognizable kind becomes an
// internal error that preserves the text verbatim.
func FromWire(wire *Wire, exception string) *Error {
	if wire != nil && wire.Kind.Valid() {
		return &Error{Kind: wire.Kind, Message: wire.Message, Fields: wire.Fields}
	}
	if exception == "" && wire != nil {
		exception = wire.Message
	}
	return Parse(exception)
}

// Parse interprets "kind: message" text. Unknown kinds yield an
// internal error whose message is the full input.
func Parse(text string) *Error {
	if prefix, rest, ok := strings.Cut(text, ": "); ok {
		if kind := Kind(prefix); kind.Valid() {
			return &Error{Kind: kind, Message: rest}
		}
	}
	return &Error{Kind: KindInternal, Message: text}
}
