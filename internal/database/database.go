// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package database is the persistence boundary for Venuepack: memberships,
// messages, reactions, blocks, and reports are durably stored in DuckDB.
//
// Only the owning components call in here: the membership manager writes
// membership rows, the chat store writes message and reaction rows, the
// moderation gate writes blocks and reports. Nothing else touches storage
// directly.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/logging"
)

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
	cfg  config.DatabaseConfig
}

// New creates a database connection and initializes the schema.
func New(cfg config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for file-backed databases.
	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
	}

	dsn := fmt.Sprintf("%s?threads=%d", cfg.Path, numThreads)
	if cfg.MaxMemory != "" {
		dsn += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %s: %w", cfg.Path, err)
	}

	// DuckDB is an in-process engine; a single writer connection avoids
	// write-write conflicts between components.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initSchema(context.Background()); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("database ready")
	return db, nil
}

// NewInMemory creates an in-memory database for tests.
func NewInMemory() (*DB, error) {
	conn, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open in-memory duckdb: %w", err)
	}
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn}
	if err := db.initSchema(context.Background()); err != nil {
		closeQuietly(conn)
		return nil, err
	}
	return db, nil
}

// schema is applied on startup. Statements are idempotent so restarts are
// safe without a migrations table.
var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS message_seq START 1`,
	`CREATE TABLE IF NOT EXISTS locations (
		id UUID PRIMARY KEY,
		name VARCHAR NOT NULL,
		latitude DOUBLE NOT NULL,
		longitude DOUBLE NOT NULL,
		radius_miles DOUBLE NOT NULL,
		open_minute INTEGER NOT NULL DEFAULT 0,
		close_minute INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		user_id UUID NOT NULL,
		location_id UUID NOT NULL,
		status VARCHAR NOT NULL,
		joined_at TIMESTAMP NOT NULL,
		last_active TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, location_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		seq BIGINT NOT NULL DEFAULT nextval('message_seq'),
		visibility VARCHAR NOT NULL,
		location_id UUID,
		sender_id UUID NOT NULL,
		recipient_id UUID,
		body VARCHAR NOT NULL,
		reply_to UUID,
		created_at TIMESTAMP NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id UUID NOT NULL,
		user_id UUID NOT NULL,
		emoji VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, user_id, emoji)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		blocker_id UUID NOT NULL,
		blocked_id UUID NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (blocker_id, blocked_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reports (
		id UUID PRIMARY KEY,
		reporter_id UUID NOT NULL,
		message_id UUID NOT NULL,
		reason VARCHAR NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_location_seq ON messages (location_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_private ON messages (sender_id, recipient_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_location ON memberships (location_id, status)`,
}

func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// closeQuietly closes a resource and explicitly ignores any error.
// Used in error paths where Close() errors are not actionable.
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}

// utc normalizes timestamps before storage so comparisons are stable.
func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
