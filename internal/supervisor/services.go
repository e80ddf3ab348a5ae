// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Service wrappers adapting component lifecycles to suture's Serve pattern.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Runner is the blocking run-loop pattern used by the session and
// membership managers: Run blocks until the context is canceled and
// returns ctx.Err().
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerService wraps a Runner as a supervised service.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService names and wraps a run loop.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.Run(ctx)
}

// String implements fmt.Stringer for suture's event log.
func (s *RunnerService) String() string { return s.name }

// HTTPServer matches *http.Server's lifecycle methods.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService wraps an HTTP server as a supervised service,
// translating the blocking ListenAndServe pattern to suture's
// context-aware Serve.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPServerService wraps the server. shutdownTimeout bounds the
// connection drain on stop.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service. http.ErrServerClosed is the expected
// result of a graceful shutdown and is not treated as a failure.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String implements fmt.Stringer.
func (h *HTTPServerService) String() string { return "http-server" }

// TransportCloser matches events.Transport's shutdown surface.
type TransportCloser interface {
	Close(ctx context.Context) error
}

// TransportService holds the domain event transport open for the life of
// the tree and tears it down on shutdown. The transport itself has no run
// loop; supervision gives it ordered shutdown with the rest of the data
// layer.
type TransportService struct {
	transport       TransportCloser
	shutdownTimeout time.Duration
}

// NewTransportService wraps the transport.
func NewTransportService(transport TransportCloser, shutdownTimeout time.Duration) *TransportService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &TransportService{transport: transport, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *TransportService) Serve(ctx context.Context) error {
	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.transport.Close(closeCtx); err != nil {
		return fmt.Errorf("event transport close failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer.
func (s *TransportService) String() string { return "event-transport" }
