// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package moderation interposes block and report checks between senders
// and recipients. A block in either direction makes the pair mutually
// invisible: no roster entries, no message delivery, no backfill.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/models"
)

// ErrSelfTarget is returned for block or report attempts against oneself.
var ErrSelfTarget = errors.New("cannot target yourself")

// reportRetries bounds the durable-write retries for report recording.
const reportRetries = 3

// Gate evaluates visibility between users and records moderation actions.
type Gate struct {
	db       *database.DB
	onChange func(a, b uuid.UUID)
}

// NewGate creates a moderation gate backed by the durable store.
func NewGate(db *database.DB) *Gate {
	return &Gate{db: db}
}

// SetOnChange installs a hook invoked after every successful block or
// unblock, so live sessions can refresh their visibility filters. Must be
// set before the gate serves traffic.
func (g *Gate) SetOnChange(fn func(a, b uuid.UUID)) {
	g.onChange = fn
}

// Blocked reports whether a block exists between two users in either
// direction.
func (g *Gate) Blocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return g.db.IsBlockedEither(ctx, a, b)
}

// BlockedSet returns every user mutually invisible to the viewer. Callers
// filtering a fan-out or roster fetch this once per operation rather than
// checking pairs individually.
func (g *Gate) BlockedSet(ctx context.Context, viewerID uuid.UUID) (map[uuid.UUID]bool, error) {
	return g.db.BlockedSetFor(ctx, viewerID)
}

// Block records a block by blocker against blocked. Takes effect
// immediately: in-flight fan-out checks the block set per recipient, so
// no delivery sneaks through after this returns.
func (g *Gate) Block(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	if blockerID == blockedID {
		return ErrSelfTarget
	}
	if err := g.db.AddBlock(ctx, models.Block{
		BlockerID: blockerID,
		BlockedID: blockedID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	logging.Info().
		Str("blocker_id", blockerID.String()).
		Str("blocked_id", blockedID.String()).
		Msg("block recorded")
	if g.onChange != nil {
		g.onChange(blockerID, blockedID)
	}
	return nil
}

// Unblock removes the blocker's own block record. A counter-block by the
// other party keeps the pair invisible.
func (g *Gate) Unblock(ctx context.Context, blockerID, blockedID uuid.UUID) error {
	if err := g.db.RemoveBlock(ctx, blockerID, blockedID); err != nil {
		return err
	}
	if g.onChange != nil {
		g.onChange(blockerID, blockedID)
	}
	return nil
}

// Report durably records a report before returning. Fire-and-forget from
// the reporter's perspective: the caller surfaces success as soon as the
// write is durable and never exposes retry mechanics. Bounded retries
// cover transient store failures.
func (g *Gate) Report(ctx context.Context, reporterID, messageID uuid.UUID, reason string) error {
	r := models.Report{
		ID:         uuid.New(),
		ReporterID: reporterID,
		MessageID:  messageID,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}

	var err error
	for attempt := 0; attempt < reportRetries; attempt++ {
		if err = g.db.InsertReport(ctx, r); err == nil {
			logging.Info().
				Str("report_id", r.ID.String()).
				Str("message_id", messageID.String()).
				Msg("report recorded")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("record report: %w", err)
}
