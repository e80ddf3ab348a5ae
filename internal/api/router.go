// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/identity"
	"github.com/venuepack/venuepack/internal/middleware"
)

// Router assembles the full HTTP surface.
type Router struct {
	handlers  *Handlers
	verifier  *identity.Verifier
	wsUpgrade http.Handler
	security  config.SecurityConfig
}

// NewRouter wires handlers, auth, and the websocket endpoint.
func NewRouter(handlers *Handlers, verifier *identity.Verifier, wsUpgrade http.Handler, security config.SecurityConfig) *Router {
	return &Router{
		handlers:  handlers,
		verifier:  verifier,
		wsUpgrade: wsUpgrade,
		security:  security,
	}
}

// Setup builds the chi route tree.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Operational endpoints, unauthenticated.
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", rt.handlers.HealthLive)
		r.Get("/ready", rt.handlers.HealthReady)
	})

	// Data endpoints: authenticated, instrumented, rate limited.
	r.Route("/api/v1", func(r chi.Router) {
		if !rt.security.RateLimitDisabled {
			r.Use(httprate.LimitByIP(rt.security.RateLimitReqs, rt.security.RateLimitWindow))
		}
		r.Use(middleware.PrometheusMetrics)
		r.Use(rt.verifier.Middleware)

		r.Post("/position", rt.handlers.Position)

		r.Route("/memberships/{locationID}", func(r chi.Router) {
			r.Post("/confirm", rt.handlers.Confirm)
			r.Post("/leave", rt.handlers.Leave)
		})

		r.Get("/locations", rt.handlers.Locations)
		r.Put("/locations", rt.handlers.UpsertLocation)
		r.Get("/locations/{locationID}", rt.handlers.Location)
		r.Get("/locations/{locationID}/roster", rt.handlers.Roster)

		r.Get("/messages", rt.handlers.Messages)
		r.Post("/messages", rt.handlers.SendMessage)
		r.Post("/reactions", rt.handlers.React)

		r.Post("/blocks", rt.handlers.Block)
		r.Delete("/blocks/{userID}", rt.handlers.Unblock)
		r.Post("/reports", rt.handlers.Report)

		r.Route("/moderation", func(r chi.Router) {
			r.Post("/bans", rt.handlers.Ban)
			r.Delete("/messages/{messageID}", rt.handlers.Takedown)
		})
	})

	// Websocket endpoint: authenticated, but outside the JSON rate
	// limiter (one long-lived connection per client).
	r.With(rt.verifier.Middleware).Get("/ws", rt.wsUpgrade.ServeHTTP)

	return r
}
