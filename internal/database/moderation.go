// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

// AddBlock records a block. Inserting an existing pair is a no-op.
func (db *DB) AddBlock(ctx context.Context, b models.Block) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)`,
		b.BlockerID, b.BlockedID, utc(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("add block (%s -> %s): %w", b.BlockerID, b.BlockedID, err)
	}
	return nil
}

// RemoveBlock deletes a block. Only the blocker's own record is removed;
// a counter-block by the other party stays in force.
func (db *DB) RemoveBlock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("remove block (%s -> %s): %w", blockerID, blockedID, err)
	}
	return nil
}

// IsBlockedEither reports whether a block exists between two users in
// either direction. Used for both delivery suppression and roster
// visibility: a blocked pair is mutually invisible.
func (db *DB) IsBlockedEither(ctx context.Context, a, b uuid.UUID) (bool, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks
		 WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		a, b, b, a)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check block (%s, %s): %w", a, b, err)
	}
	return n > 0, nil
}

// BlockedSetFor returns the set of users mutually invisible to the viewer:
// everyone the viewer blocks plus everyone who blocks the viewer.
func (db *DB) BlockedSetFor(ctx context.Context, viewerID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT blocked_id FROM blocks WHERE blocker_id = ?
		 UNION
		 SELECT blocker_id FROM blocks WHERE blocked_id = ?`,
		viewerID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("blocked set for %s: %w", viewerID, err)
	}
	defer closeQuietly(rows)

	set := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked id: %w", err)
		}
		set[id] = true
	}
	return set, rows.Err()
}

// InsertReport appends a report to the audit log. Reports are never
// updated or deleted by this service.
func (db *DB) InsertReport(ctx context.Context, r models.Report) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO reports (id, reporter_id, message_id, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.ReporterID, r.MessageID, r.Reason, utc(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert report %s: %w", r.ID, err)
	}
	return nil
}
