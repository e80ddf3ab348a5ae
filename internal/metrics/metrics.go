// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package metrics exposes Prometheus instrumentation for the presence and
// messaging pipeline: sessions, rosters, message throughput, fan-out
// health, and durable-append behavior.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_http_requests_total",
			Help: "HTTP requests, by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "venuepack_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "venuepack_http_active_requests",
			Help: "HTTP requests currently in flight",
		},
	)

	// Session metrics
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "venuepack_open_sessions",
			Help: "Current number of open client sessions",
		},
	)

	SessionReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venuepack_session_reconnects_total",
			Help: "Total number of session reconnect attempts",
		},
	)

	SlowConsumerDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venuepack_slow_consumer_disconnects_total",
			Help: "Sessions disconnected because their event queue was full",
		},
	)

	BackfillEvents = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "venuepack_backfill_batch_size",
			Help:    "Number of events delivered per reconnect backfill",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	// Presence metrics
	RosterSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "venuepack_roster_size",
			Help: "Current number of active members per location",
		},
		[]string{"location_id"},
	)

	RosterDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_roster_deltas_total",
			Help: "Total roster deltas published, by change kind",
		},
		[]string{"change"},
	)

	// Membership metrics
	MembershipTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_membership_transitions_total",
			Help: "Membership state transitions, by target status",
		},
		[]string{"status"},
	)

	// Message pipeline metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_messages_sent_total",
			Help: "Messages accepted by the store, by visibility",
		},
		[]string{"visibility"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_messages_rejected_total",
			Help: "Messages rejected synchronously, by error code",
		},
		[]string{"reason"},
	)

	AppendRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venuepack_append_retries_total",
			Help: "Durable append attempts that were retried",
		},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "venuepack_fanout_delivered_total",
			Help: "Events delivered to session queues",
		},
	)

	ReactionToggles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "venuepack_reaction_toggles_total",
			Help: "Reaction toggles, by outcome (added or removed)",
		},
		[]string{"outcome"},
	)
)
