// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package config loads and validates application configuration.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables > optional YAML config file >
// built-in defaults. Config is immutable after Load() and safe for
// concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Geofence   GeofenceConfig   `koanf:"geofence"`
	Membership MembershipConfig `koanf:"membership"`
	Chat       ChatConfig       `koanf:"chat"`
	Session    SessionConfig    `koanf:"session"`
	NATS       NATSConfig       `koanf:"nats"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// GeofenceConfig bounds the position fixes accepted into membership
// evaluation. Rejected fixes surface an input error to the caller and
// never transition membership state.
type GeofenceConfig struct {
	// MaxAccuracyM rejects fixes with a reported accuracy radius above
	// this value.
	MaxAccuracyM float64 `koanf:"max_accuracy_m"`
	// MaxFixAge rejects fixes with a timestamp older than this.
	MaxFixAge time.Duration `koanf:"max_fix_age"`
}

// MembershipConfig governs the join/leave lifecycle.
type MembershipConfig struct {
	// DebounceSamples is the number of consecutive out-of-range fixes
	// required before an active membership exits the geofence.
	DebounceSamples int `koanf:"debounce_samples"`
	// ExitGrace deactivates an active membership whose device has been
	// out of range for this long, regardless of sample count.
	ExitGrace time.Duration `koanf:"exit_grace"`
	// IdleTimeout deactivates memberships whose last_active is older
	// than this.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	// AutoConfirm skips the invitation step and activates proposed
	// memberships immediately.
	AutoConfirm bool `koanf:"auto_confirm"`
}

// ChatConfig bounds the message pipeline.
type ChatConfig struct {
	MaxMessageChars   int           `koanf:"max_message_chars"`
	RateLimitMessages int           `koanf:"rate_limit_messages"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	// AppendRetryAttempts bounds retries of the durable append before
	// the sender receives Unavailable.
	AppendRetryAttempts int           `koanf:"append_retry_attempts"`
	AppendRetryDelay    time.Duration `koanf:"append_retry_delay"`
}

// SessionConfig governs per-client connection sessions.
type SessionConfig struct {
	// QueueSize is the bounded per-session event queue. A session whose
	// queue is full is disconnected rather than stalling fan-out.
	QueueSize int `koanf:"queue_size"`
	// BackoffBase and BackoffCap bound reconnect backoff (full jitter).
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`
	// MaxReconnectWindow closes a session that has been reconnecting
	// longer than this.
	MaxReconnectWindow time.Duration `koanf:"max_reconnect_window"`
	// ReconcileInterval is the safety-net roster reconciliation sweep.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
}

// NATSConfig configures domain event publishing.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
}

// SecurityConfig holds transport-level protections and token verification.
type SecurityConfig struct {
	// JWTSecret verifies bearer tokens issued by the identity
	// collaborator. Venuepack never issues tokens.
	JWTSecret         string        `koanf:"jwt_secret"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks configuration invariants after loading.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Membership.DebounceSamples < 1 {
		return fmt.Errorf("membership.debounce_samples must be >= 1, got %d", c.Membership.DebounceSamples)
	}
	if c.Chat.MaxMessageChars < 1 {
		return fmt.Errorf("chat.max_message_chars must be >= 1, got %d", c.Chat.MaxMessageChars)
	}
	if c.Chat.RateLimitMessages < 1 || c.Chat.RateLimitWindow <= 0 {
		return fmt.Errorf("chat rate limit must be positive (messages=%d, window=%s)",
			c.Chat.RateLimitMessages, c.Chat.RateLimitWindow)
	}
	if c.Session.QueueSize < 1 {
		return fmt.Errorf("session.queue_size must be >= 1, got %d", c.Session.QueueSize)
	}
	if c.Session.BackoffBase <= 0 || c.Session.BackoffCap < c.Session.BackoffBase {
		return fmt.Errorf("session backoff misconfigured (base=%s, cap=%s)",
			c.Session.BackoffBase, c.Session.BackoffCap)
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}
	if c.NATS.Enabled && !c.NATS.EmbeddedServer && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats.enabled=true without embedded server")
	}
	return nil
}
