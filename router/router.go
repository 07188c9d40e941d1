// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
)

// Defaults for the claim retry budget.
const (
	DefaultRetryCount     = 50
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultBusyRetryAfter = 20
)

// Config configures a Router.
type Config struct {
	Broker *broker.Broker

	// Launcher starts extensions on demand. Nil routes only to
	// extensions that are already running.
	Launcher broker.Launcher

	// RetryCount is how many RetryDelay intervals a request waits for
	// a free matching registration before giving up.
	RetryCount int
	RetryDelay time.Duration

	// BusyWaiting selects the response when every matching
	// registration stayed busy: 503 with Retry-After when set, 404
	// otherwise.
	BusyWaiting bool

	// BusyRetryAfter is the Retry-After value, in seconds.
	BusyRetryAfter int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Router is an http.Handler dispatching /<name>/<route> requests to
// extension connection registrations.
type Router struct {
	broker         *broker.Broker
	launcher       broker.Launcher
	retryCount     int
	retryDelay     time.Duration
	busyWaiting    bool
	busyRetryAfter int
	clock          clock.Clock
	logger         *slog.Logger
}

// New creates a Router. Zero retry settings take the package defaults.
func New(cfg Config) *Router {
	if cfg.Broker == nil {
		panic("router.New: Broker is required")
	}
	r := &Router{
		broker:         cfg.Broker,
		launcher:       cfg.Launcher,
		retryCount:     cfg.RetryCount,
		retryDelay:     cfg.RetryDelay,
		busyWaiting:    cfg.BusyWaiting,
		busyRetryAfter: cfg.BusyRetryAfter,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}
	if r.retryCount <= 0 {
		r.retryCount = DefaultRetryCount
	}
	if r.retryDelay <= 0 {
		r.retryDelay = DefaultRetryDelay
	}
	if r.busyRetryAfter <= 0 {
		r.busyRetryAfter = DefaultBusyRetryAfter
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// SplitPath separates a request URI into the extension name and the
// route the extension's registrations are matched against. The route
// always starts with "/" and keeps the query string.
func SplitPath(requestURI string) (name, route string) {
	rest := strings.TrimPrefix(requestURI, "/")
	end := strings.IndexAny(rest, "/?")
	if end < 0 {
		return rest, "/"
	}
	name, route = rest[:end], rest[end:]
	if route[0] == '?' {
		route = "/" + route
	}
	return name, route
}

func (r *Router) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	uri := request.RequestURI
	if uri == "" {
		uri = request.URL.RequestURI()
	}
	name, route := SplitPath(uri)
	if name == "" {
		http.NotFound(writer, request)
		return
	}

	ctx := request.Context()
	if r.launcher != nil {
		if err := r.launcher.EnsureRunning(ctx, name); err != nil {
			r.startFailed(writer, request, name, err)
			return
		}
	}
	if !r.broker.Running(name) {
		http.NotFound(writer, request)
		return
	}

	claim, busy := r.claim(request, writer, name, route)
	if claim == nil {
		if ctx.Err() != nil {
			return
		}
		if busy && r.busyWaiting {
			writer.Header().Set("Retry-After", strconv.Itoa(r.busyRetryAfter))
			writer.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.NotFound(writer, request)
		return
	}
	defer r.broker.Release(claim)

	select {
	case <-claim.Done():
		if !claim.Started() {
			r.logger.Warn("extension ended connection without responding",
				"extension", name, "route", route)
			http.Error(writer, "extension ended without responding", http.StatusBadGateway)
		}
	case <-ctx.Done():
		r.logger.Debug("client went away before extension finished",
			"extension", name, "route", route)
	}
}

// claim scans for a matching registration until one is claimed, the
// retry budget runs out, or the request is abandoned. A registration
// change rescans immediately without spending budget. busy reports
// whether the last scan found only claimed matches.
func (r *Router) claim(request *http.Request, writer http.ResponseWriter, name, route string) (*broker.Claim, bool) {
	ctx := request.Context()
	var timer <-chan time.Time
	attempts := 0
	for {
		changed := r.broker.RegistrationChanged()
		claim, status := r.broker.Claim(name, writer, request, route)
		if status == broker.ClaimOK {
			return claim, false
		}
		busy := status == broker.ClaimBusy
		if timer == nil {
			timer = r.clock.After(r.retryDelay)
		}
		select {
		case <-changed:
		case <-timer:
			attempts++
			if attempts >= r.retryCount {
				return nil, busy
			}
			timer = nil
		case <-ctx.Done():
			return nil, busy
		}
	}
}

func (r *Router) startFailed(writer http.ResponseWriter, request *http.Request, name string, err error) {
	switch apierror.KindOf(err) {
	case apierror.KindNotFound, apierror.KindInvalidArgument:
		http.NotFound(writer, request)
	case apierror.KindBusy:
		writer.Header().Set("Retry-After", strconv.Itoa(r.busyRetryAfter))
		writer.WriteHeader(http.StatusServiceUnavailable)
	default:
		r.logger.Error("starting extension for request failed", "extension", name, "error", err)
		http.Error(writer, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
