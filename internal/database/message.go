// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

// AppendMessage durably appends a message and returns it with the
// store-assigned sequence number. The sequence is the ordering and
// backfill cursor for the message's channel.
func (db *DB) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var locationID, recipientID, replyTo any
	if m.LocationID != uuid.Nil {
		locationID = m.LocationID
	}
	if m.RecipientID != uuid.Nil {
		recipientID = m.RecipientID
	}
	if m.ReplyTo != nil {
		replyTo = *m.ReplyTo
	}

	row := db.conn.QueryRowContext(ctx,
		`INSERT INTO messages (id, visibility, location_id, sender_id, recipient_id, body, reply_to, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		m.ID, string(m.Visibility), locationID, m.SenderID, recipientID,
		m.Body, replyTo, utc(m.CreatedAt))
	if err := row.Scan(&m.Seq); err != nil {
		return models.Message{}, fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return m, nil
}

// GetMessage fetches one message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (models.Message, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, seq, visibility, location_id, sender_id, recipient_id, body, reply_to, created_at, deleted
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return m, err
}

// MessagesAfter returns, in ascending sequence order, every message the
// viewer should see with seq > afterSeq: group messages at the given
// location plus private messages in threads involving the viewer. Soft
// deleted messages and messages across a block (either direction) are
// excluded. This is the backfill read path; limit bounds each batch.
func (db *DB) MessagesAfter(ctx context.Context, viewerID, locationID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT m.id, m.seq, m.visibility, m.location_id, m.sender_id, m.recipient_id,
		        m.body, m.reply_to, m.created_at, m.deleted
		 FROM messages m
		 WHERE m.seq > ?
		   AND m.deleted = FALSE
		   AND ((m.visibility = 'group' AND m.location_id = ?)
		     OR (m.visibility = 'private' AND (m.sender_id = ? OR m.recipient_id = ?)))
		   AND NOT EXISTS (
		     SELECT 1 FROM blocks b
		     WHERE (b.blocker_id = ? AND b.blocked_id = m.sender_id)
		        OR (b.blocker_id = m.sender_id AND b.blocked_id = ?))
		 ORDER BY m.seq
		 LIMIT ?`,
		afterSeq, locationID, viewerID, viewerID, viewerID, viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages after seq %d: %w", afterSeq, err)
	}
	defer closeQuietly(rows)

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SoftDeleteMessage marks a message deleted on moderation takedown. The
// row remains for the report audit trail.
func (db *DB) SoftDeleteMessage(ctx context.Context, id uuid.UUID) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE messages SET deleted = TRUE WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("soft delete message %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleReaction adds the (message, user, emoji) reaction if absent, or
// removes it if present, and returns whether it is now present plus the
// new aggregate count for that (message, emoji) pair.
func (db *DB) ToggleReaction(ctx context.Context, r models.Reaction) (added bool, count int, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin reaction toggle: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, 0, fmt.Errorf("toggle reaction delete: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted == 0 {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
			r.MessageID, r.UserID, r.Emoji, utc(r.CreatedAt)); err != nil {
			return false, 0, fmt.Errorf("toggle reaction insert: %w", err)
		}
		added = true
	}

	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reactions WHERE message_id = ? AND emoji = ?`,
		r.MessageID, r.Emoji)
	if err = row.Scan(&count); err != nil {
		return false, 0, fmt.Errorf("count reactions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit reaction toggle: %w", err)
	}
	return added, count, nil
}

// ReactionCounts returns the aggregated reaction state for a message from
// the viewer's perspective.
func (db *DB) ReactionCounts(ctx context.Context, messageID, viewerID uuid.UUID) ([]models.ReactionCount, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT emoji, COUNT(*), BOOL_OR(user_id = ?)
		 FROM reactions WHERE message_id = ?
		 GROUP BY emoji ORDER BY emoji`,
		viewerID, messageID)
	if err != nil {
		return nil, fmt.Errorf("reaction counts for %s: %w", messageID, err)
	}
	defer closeQuietly(rows)

	var out []models.ReactionCount
	for rows.Next() {
		var rc models.ReactionCount
		if err := rows.Scan(&rc.Emoji, &rc.Count, &rc.YouReacted); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// ReactorsFor returns the set of users currently holding the given
// reaction. Fan-out uses it to compute the per-recipient you_reacted flag.
func (db *DB) ReactorsFor(ctx context.Context, messageID uuid.UUID, emoji string) (map[uuid.UUID]bool, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id FROM reactions WHERE message_id = ? AND emoji = ?`,
		messageID, emoji)
	if err != nil {
		return nil, fmt.Errorf("reactors for %s: %w", messageID, err)
	}
	defer closeQuietly(rows)

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reactor: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var visibility string
	var locationID, recipientID, replyTo sql.Null[uuid.UUID]
	err := row.Scan(&m.ID, &m.Seq, &visibility, &locationID, &m.SenderID,
		&recipientID, &m.Body, &replyTo, &m.CreatedAt, &m.Deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, err
		}
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Visibility = models.Visibility(visibility)
	if locationID.Valid {
		m.LocationID = locationID.V
	}
	if recipientID.Valid {
		m.RecipientID = recipientID.V
	}
	if replyTo.Valid {
		rt := replyTo.V
		m.ReplyTo = &rt
	}
	return m, nil
}
