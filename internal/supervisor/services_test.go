// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package supervisor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/venuepack/venuepack/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type blockingRunner struct {
	started atomic.Bool
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.started.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func TestRunnerService(t *testing.T) {
	runner := &blockingRunner{}
	svc := NewRunnerService("test-runner", runner)

	if got := svc.String(); got != "test-runner" {
		t.Errorf("String() = %q, want %q", got, "test-runner")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !runner.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runner never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

type mockHTTPServer struct {
	started  atomic.Bool
	shutdown atomic.Bool
	release  chan struct{}
	serveErr error
}

func newMockHTTPServer() *mockHTTPServer {
	return &mockHTTPServer{release: make(chan struct{})}
}

func (m *mockHTTPServer) ListenAndServe() error {
	m.started.Store(true)
	if m.serveErr != nil {
		return m.serveErr
	}
	<-m.release
	return nil
}

func (m *mockHTTPServer) Shutdown(context.Context) error {
	m.shutdown.Store(true)
	close(m.release)
	return nil
}

func TestHTTPServerService_GracefulShutdown(t *testing.T) {
	mock := newMockHTTPServer()
	svc := NewHTTPServerService(mock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !mock.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if !mock.shutdown.Load() {
		t.Error("Shutdown() was not called")
	}
}

func TestHTTPServerService_StartFailure(t *testing.T) {
	mock := newMockHTTPServer()
	mock.serveErr = errors.New("port in use")
	svc := NewHTTPServerService(mock, time.Second)

	err := svc.Serve(context.Background())
	if err == nil {
		t.Fatal("Serve() = nil, want error")
	}
	if !errors.Is(err, mock.serveErr) {
		t.Errorf("Serve() error = %v, want wrapped %v", err, mock.serveErr)
	}
}

type mockTransport struct {
	closed atomic.Bool
}

func (m *mockTransport) Close(context.Context) error {
	m.closed.Store(true)
	return nil
}

func TestTransportService_ClosesOnCancel(t *testing.T) {
	mock := &mockTransport{}
	svc := NewTransportService(mock, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if !mock.closed.Load() {
		t.Error("transport was not closed")
	}
}

func TestTree_RunsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())

	runner := &blockingRunner{}
	tree.AddRealtimeService(NewRunnerService("sweeper", runner))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !runner.started.Load() {
		if time.Now().After(deadline) {
			t.Fatal("supervised runner never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("tree error = %v, want nil or context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", cfg.FailureThreshold)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}
