// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package events defines the closed set of push events clients receive and
// the domain events external collaborators subscribe to.
//
// Client events form a tagged union: every Event carries a Kind
// discriminator so consumers can switch exhaustively instead of probing
// untyped payloads. Adding a variant means adding a Kind constant, a struct
// in this file, and a case in every consumer switch.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

// Kind discriminates client event variants.
type Kind string

const (
	KindRosterDelta   Kind = "roster_delta"
	KindMessage       Kind = "message"
	KindReactionDelta Kind = "reaction_delta"
	KindTyping        Kind = "typing"
	KindBanned        Kind = "banned"
)

// Event is one push event delivered to a client session. Exactly the five
// variants below implement it.
type Event interface {
	Kind() Kind
}

// RosterChange classifies a roster delta.
type RosterChange string

const (
	RosterJoined   RosterChange = "joined"
	RosterLeft     RosterChange = "left"
	RosterOnline   RosterChange = "online"
	RosterOffline  RosterChange = "offline"
	RosterSnapshot RosterChange = "snapshot"
)

// RosterDelta is a totally ordered change to one location's roster. Seq is
// the location's logical clock: deltas for a location are delivered to all
// subscribers in ascending Seq order with no gaps. A Snapshot delta carries
// the full roster and is sent on subscribe and by the reconciliation sweep.
type RosterDelta struct {
	LocationID uuid.UUID            `json:"location_id"`
	Seq        uint64               `json:"seq"`
	Change     RosterChange         `json:"change"`
	Entry      *models.RosterEntry  `json:"entry,omitempty"`
	Roster     []models.RosterEntry `json:"roster,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

func (RosterDelta) Kind() Kind { return KindRosterDelta }

// MessageEvent wraps a newly appended message. Clients de-duplicate by
// Message.ID: delivery is at-least-once across reconnects (backfill may
// replay the tail of the stream).
type MessageEvent struct {
	Message models.Message `json:"message"`
}

func (MessageEvent) Kind() Kind { return KindMessage }

// ReactionDelta is the aggregated reaction state for one (message, emoji)
// pair after a toggle. Clients receive the new count rather than a log of
// individual reactions. YouReacted is set per recipient: true when the
// receiving viewer currently has this reaction.
type ReactionDelta struct {
	MessageID  uuid.UUID `json:"message_id"`
	Emoji      string    `json:"emoji"`
	Count      int       `json:"count"`
	ActorID    uuid.UUID `json:"actor_id"`
	Added      bool      `json:"added"`
	YouReacted bool      `json:"you_reacted"`
}

func (ReactionDelta) Kind() Kind { return KindReactionDelta }

// TypingEvent is a non-durable typing indicator. It is relayed to the
// relevant sessions and never stored or backfilled.
type TypingEvent struct {
	UserID      uuid.UUID `json:"user_id"`
	LocationID  uuid.UUID `json:"location_id,omitempty"`
	RecipientID uuid.UUID `json:"recipient_id,omitempty"`
	At          time.Time `json:"at"`
}

func (TypingEvent) Kind() Kind { return KindTyping }

// BannedEvent tells a session its user was banned from a location. The
// session manager closes affected sessions within one roster-delta cycle
// of the ban.
type BannedEvent struct {
	UserID     uuid.UUID `json:"user_id"`
	LocationID uuid.UUID `json:"location_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (BannedEvent) Kind() Kind { return KindBanned }

// Envelope is the wire framing for client events: the Kind tag plus the
// variant payload. Sessions marshal events into envelopes before writing
// to the transport.
type Envelope struct {
	Type Kind  `json:"type"`
	Data Event `json:"data"`
}

// Wrap builds the wire envelope for an event.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Kind(), Data: ev}
}
