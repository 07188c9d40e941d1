// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
)

// UserAgent is sent when a request carries no headers of its own.
const UserAgent = "exthost-webrequest/1"

// Request is an outbound HTTP request made through the broker.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Timeout bounds the whole exchange. Zero means no limit beyond
	// ctx.
	Timeout time.Duration
}

// WebRequest performs request. The URL and any redirect must be
// allowed by the extension's policy.
func (h *Host) WebRequest(ctx context.Context, request Request) (broker.WebResponse, error) {
	headers := request.Headers
	if headers == nil {
		headers = map[string]string{"User-Agent": UserAgent}
	}
	var response broker.WebResponse
	err := h.call(ctx, "webrequest", &response,
		request.Method,
		request.URL,
		headers,
		request.Body,
		!request.InsecureSkipVerify,
		request.Timeout.Seconds(),
	)
	return response, err
}

// Fetch is a GET of url with default settings.
func (h *Host) Fetch(ctx context.Context, url string) (broker.WebResponse, error) {
	return h.WebRequest(ctx, Request{Method: "GET", URL: url})
}

// DecodeJSON decodes a response body into target.
func DecodeJSON(response broker.WebResponse, target any) error {
	if err := json.Unmarshal(response.Body, target); err != nil {
		return apierror.InvalidArgument("response from %s is not JSON: %v", response.URL, err).With("url", response.URL)
	}
	return nil
}
