// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package models

import (
	"time"

	"github.com/google/uuid"
)

// Visibility distinguishes group messages from private threads.
type Visibility string

const (
	VisibilityGroup   Visibility = "group"
	VisibilityPrivate Visibility = "private"
)

// Message is an immutable chat message. Group messages carry LocationID;
// private messages carry RecipientID. Seq is the store-assigned append
// sequence and doubles as the backfill cursor: clients resume from the
// highest Seq they acknowledged.
//
// Messages are never updated after creation except for the Deleted flag,
// which moderation sets on takedown (soft delete; the row remains for the
// report audit trail).
type Message struct {
	ID          uuid.UUID  `json:"id"`
	Seq         int64      `json:"seq"`
	Visibility  Visibility `json:"visibility"`
	LocationID  uuid.UUID  `json:"location_id,omitempty"`
	SenderID    uuid.UUID  `json:"sender_id"`
	RecipientID uuid.UUID  `json:"recipient_id,omitempty"`
	Body        string     `json:"body"`
	ReplyTo     *uuid.UUID `json:"reply_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Deleted     bool       `json:"deleted,omitempty"`
}

// Reaction is one user's emoji reaction on a message. The
// (message, user, emoji) triple is unique; re-sending the same triple
// removes it (toggle semantics).
type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionCount is the aggregated per-emoji state clients receive instead
// of raw reaction events.
type ReactionCount struct {
	Emoji      string `json:"emoji"`
	Count      int    `json:"count"`
	YouReacted bool   `json:"you_reacted"`
}

// Block suppresses message delivery and presence visibility between two
// users in both directions. Created and removed only by the blocker.
type Block struct {
	BlockerID uuid.UUID `json:"blocker_id"`
	BlockedID uuid.UUID `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is an append-only audit record consumed by an external moderation
// workflow. Reports are never mutated.
type Report struct {
	ID         uuid.UUID `json:"id"`
	ReporterID uuid.UUID `json:"reporter_id"`
	MessageID  uuid.UUID `json:"message_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
