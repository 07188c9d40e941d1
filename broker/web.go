// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/netutil"
)

const maxRedirects = 10

// WebRequest describes an outbound HTTP request.
type WebRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"data"`

	// SSLVerify must be the JSON literal true or false. It is kept
	// raw so that a string or number is rejected rather than coerced.
	SSLVerify json.RawMessage `json:"ssl_verify"`

	// Timeout in seconds. Zero means no timeout beyond ctx.
	Timeout float64 `json:"timeout"`
}

// WebResponse is the result of a web request.
type WebResponse struct {
	URL     string            `json:"url"`
	Status  int               `json:"response_code"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"data"`
}

type webClients struct {
	verified   http.RoundTripper
	unverified http.RoundTripper
}

func newWebClients(transport http.RoundTripper) webClients {
	if transport != nil {
		return webClients{verified: transport, unverified: transport}
	}
	verified := http.DefaultTransport.(*http.Transport).Clone()
	unverified := http.DefaultTransport.(*http.Transport).Clone()
	unverified.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec extension opted out per request
	verified.MaxResponseHeaderBytes = netutil.MaxHeaderSize
	unverified.MaxResponseHeaderBytes = netutil.MaxHeaderSize
	return webClients{verified: verified, unverified: unverified}
}

func parseSSLVerify(raw json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, apierror.InvalidArgument("ssl_verify must be a boolean, got %s", string(raw))
}

// WebRequest performs request on behalf of token. The URL, and every
// redirect target, must be allowed by the caller's policy.
func (b *Broker) WebRequest(ctx context.Context, token string, request WebRequest) (WebResponse, error) {
	name, pol, err := b.authorize(token)
	if err != nil {
		return WebResponse{}, err
	}
	if !pol.URLAllowed(request.URL) {
		return WebResponse{}, b.deny(name, "url", request.URL)
	}
	verify, err := parseSSLVerify(request.SSLVerify)
	if err != nil {
		return WebResponse{}, err
	}
	if request.Timeout < 0 {
		return WebResponse{}, apierror.InvalidArgument("negative timeout %v", request.Timeout)
	}
	method := strings.ToUpper(request.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, method, request.URL, body)
	if err != nil {
		return WebResponse{}, apierror.InvalidArgument("building request: %v", err)
	}
	for key, value := range request.Headers {
		outbound.Header.Set(key, value)
	}

	client := &http.Client{
		Transport: b.web.verified,
		Timeout:   time.Duration(request.Timeout * float64(time.Second)),
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return apierror.InvalidArgument("stopped after %d redirects", maxRedirects)
			}
			if !pol.URLAllowed(next.URL.String()) {
				return b.deny(name, "url", next.URL.String())
			}
			return nil
		},
	}
	if !verify {
		client.Transport = b.web.unverified
	}

	response, err := client.Do(outbound)
	if err != nil {
		return WebResponse{}, webError(err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return WebResponse{}, apierror.Internal("reading response from %s: %w", request.URL, err)
	}
	headers := make(map[string]string, len(response.Header))
	for key, values := range response.Header {
		headers[key] = strings.Join(values, ", ")
	}
	return WebResponse{
		URL:     response.Request.URL.String(),
		Status:  response.StatusCode,
		Headers: headers,
		Body:    data,
	}, nil
}

func webError(err error) error {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return apierror.Timeout("web request: %v", urlErr.Err)
	}
	return apierror.Internal("web request: %w", err)
}
