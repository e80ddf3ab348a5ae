// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package main is the entry point for the Venuepack server.
//
// Venuepack gates pack membership at physical venues with a geofence,
// keeps a live roster per venue, and carries group and private messaging
// between members, all over one binary.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 with layered sources (env > file > defaults)
//  2. Database: DuckDB message log, membership and moderation tables
//  3. Event transport: Watermill domain events (NATS optional, embeddable)
//  4. Presence registry: per-venue roster actors
//  5. Managers: membership lifecycle, chat pipeline, sessions
//  6. HTTP server: REST API plus the /ws realtime endpoint
//  7. Supervisor tree: suture-managed run loops and graceful shutdown
//
// # Configuration
//
// All settings come from environment variables (SERVER_PORT,
// SECURITY_JWT_SECRET, ...) or config.yaml. The only hard requirement
// for production is SECURITY_JWT_SECRET; with an empty secret the server
// runs in development identity mode and trusts X-User-ID headers.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP listener drains,
// live websocket sessions close, sweeps stop, and the database closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/venuepack/venuepack/internal/api"
	"github.com/venuepack/venuepack/internal/authz"
	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/identity"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/membership"
	"github.com/venuepack/venuepack/internal/moderation"
	"github.com/venuepack/venuepack/internal/presence"
	"github.com/venuepack/venuepack/internal/session"
	"github.com/venuepack/venuepack/internal/supervisor"
	"github.com/venuepack/venuepack/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Starting Venuepack")

	db, err := database.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	transport, err := events.NewTransport(events.NATSOptions{
		Enabled:        cfg.NATS.Enabled,
		URL:            cfg.NATS.URL,
		EmbeddedServer: cfg.NATS.EmbeddedServer,
		StoreDir:       cfg.NATS.StoreDir,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event transport")
	}

	gate := moderation.NewGate(db)
	registry := presence.NewRegistry(gate)
	registry.SetStore(db)
	defer registry.Close()

	membershipMgr := membership.NewManager(db, registry, transport.Publisher, cfg.Membership, cfg.Geofence)
	chatStore := chat.NewStore(db, registry, transport.Publisher, cfg.Chat)
	sessionMgr := session.NewManager(db, registry, chatStore, gate, cfg.Session)

	// Sessions deliver chat fan-out and enforce ban disconnects; both
	// dependencies point back at the session manager, so they attach
	// after construction. Block changes propagate to live session
	// filters, and chat activity refreshes route through the membership
	// manager's per-user locks.
	chatStore.SetDeliverer(sessionMgr)
	chatStore.SetActivityToucher(membershipMgr)
	membershipMgr.SetSessionCloser(sessionMgr)
	gate.SetOnChange(sessionMgr.OnBlockChange)

	verifier := identity.NewVerifier(cfg.Security.JWTSecret)
	if cfg.Security.JWTSecret == "" {
		logging.Warn().Msg("============================================================")
		logging.Warn().Msg("  SECURITY WARNING: JWT secret is empty (development mode)")
		logging.Warn().Msg("  Identity is taken from X-User-ID request headers.")
		logging.Warn().Msg("  NEVER run this mode on a public network!")
		logging.Warn().Msg("============================================================")
	}
	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED")
	}

	enforcer, err := authz.NewEnforcer("")
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize RBAC enforcer")
	}

	handlers := api.NewHandlers(db, membershipMgr, chatStore, registry, gate, enforcer)
	wsHandler := ws.NewHandler(sessionMgr, chatStore, membershipMgr, originChecker(cfg.Security.CORSOrigins))
	router := api.NewRouter(handlers, verifier, wsHandler, cfg.Security)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddDataService(supervisor.NewTransportService(transport, 10*time.Second))
	tree.AddRealtimeService(supervisor.NewRunnerService("session-reconcile", sessionMgr))
	tree.AddRealtimeService(supervisor.NewRunnerService("membership-sweep", membershipMgr))
	tree.AddAPIService(supervisor.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server added to supervisor tree")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, stopping supervisor tree")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel so the tree finishes its shutdown sequence.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	sessionMgr.Shutdown()

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Venuepack stopped")
}

// originChecker builds the websocket upgrade origin check from the
// configured CORS origins. Requests without an Origin header (native
// clients) are always allowed.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		return allowed[origin]
	}
}
