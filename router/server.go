// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves a handler on a TCP listener, plain or TLS. Serve(ctx)
// blocks until the context is cancelled and active requests drain.
type Server struct {
	address       string
	handler       http.Handler
	certFile      string
	keyFile       string
	printRequests bool
	logger        *slog.Logger

	// shutdownTimeout is the maximum time to wait for active
	// requests to complete after the context is cancelled.
	shutdownTimeout time.Duration

	// ready is closed after the listener is bound.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready is
	// closed.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g., ":8080",
	// "127.0.0.1:0"). Required.
	Address string

	// Handler is the HTTP handler for incoming requests. Required.
	Handler http.Handler

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// PrintRequests logs one line per completed request.
	PrintRequests bool

	// ShutdownTimeout defaults to 10 seconds if zero. Extension
	// connections are long-lived, so requests still open at the
	// deadline are cut off.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server that will listen on the configured
// address. Call Serve to start accepting connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("router.Server: Address is required")
	}
	if config.Handler == nil {
		panic("router.Server: Handler is required")
	}
	if config.Logger == nil {
		panic("router.Server: Logger is required")
	}
	if (config.CertFile == "") != (config.KeyFile == "") {
		panic("router.Server: CertFile and KeyFile must be set together")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		certFile:        config.CertFile,
		keyFile:         config.KeyFile,
		printRequests:   config.PrintRequests,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// TLS reports whether the server terminates TLS.
func (s *Server) TLS() bool {
	return s.certFile != ""
}

// Serve starts accepting connections. Blocks until ctx is cancelled,
// then stops accepting and waits up to ShutdownTimeout for active
// requests to complete.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	handler := s.handler
	if s.printRequests {
		handler = s.logRequests(handler)
	}
	server := &http.Server{
		Handler: handler,

		// No read or write timeout: a request is held open for as
		// long as the extension serving it takes.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("http server listening", "address", s.addr.String(), "tls", s.TLS())

	serveDone := make(chan error, 1)
	go func() {
		var err error
		if s.TLS() {
			err = server.ServeTLS(listener, s.certFile, s.keyFile)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
		s.logger.Warn("http server shutdown deadline passed, closed remaining connections", "error", err)
		return nil
	}

	s.logger.Info("http server stopped")
	return nil
}

// statusRecorder captures the status code and body size for request
// logging. Unwrap lets http.ResponseController reach the underlying
// writer's Flush.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: writer}
		next.ServeHTTP(recorder, request)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", request.Method,
			"uri", request.RequestURI,
			"status", status,
			"bytes", recorder.bytes,
			"client", request.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
