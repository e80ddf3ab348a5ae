// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package database

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMembershipRoundTrip(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	m := models.Membership{
		UserID:     uuid.New(),
		LocationID: uuid.New(),
		Status:     models.MembershipProposed,
		JoinedAt:   time.Now().UTC(),
		LastActive: time.Now().UTC(),
	}
	if err := db.UpsertMembership(ctx, m); err != nil {
		t.Fatalf("UpsertMembership() error = %v", err)
	}

	got, err := db.GetMembership(ctx, m.UserID, m.LocationID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if got.Status != models.MembershipProposed {
		t.Errorf("Status = %s, want proposed", got.Status)
	}

	if err := db.UpdateMembershipStatus(ctx, m.UserID, m.LocationID, models.MembershipActive, time.Now()); err != nil {
		t.Fatalf("UpdateMembershipStatus() error = %v", err)
	}

	active, err := db.GetActiveMembershipForUser(ctx, m.UserID)
	if err != nil {
		t.Fatalf("GetActiveMembershipForUser() error = %v", err)
	}
	if active.LocationID != m.LocationID {
		t.Errorf("active LocationID = %s, want %s", active.LocationID, m.LocationID)
	}
}

func TestUpdateMembershipStatus_Missing(t *testing.T) {
	db := setupDB(t)
	err := db.UpdateMembershipStatus(context.Background(), uuid.New(), uuid.New(), models.MembershipActive, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateMembershipStatus() error = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_SequenceMonotonic(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	locationID := uuid.New()
	sender := uuid.New()

	var lastSeq int64
	for i := 0; i < 5; i++ {
		m, err := db.AppendMessage(ctx, models.Message{
			ID:         uuid.New(),
			Visibility: models.VisibilityGroup,
			LocationID: locationID,
			SenderID:   sender,
			Body:       "hello",
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if m.Seq <= lastSeq {
			t.Errorf("Seq = %d, want > %d", m.Seq, lastSeq)
		}
		lastSeq = m.Seq
	}
}

func TestMessagesAfter_FiltersBlockedAndDeleted(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	locationID := uuid.New()
	viewer := uuid.New()
	friend := uuid.New()
	enemy := uuid.New()

	appendGroup := func(sender uuid.UUID, body string) models.Message {
		t.Helper()
		m, err := db.AppendMessage(ctx, models.Message{
			ID: uuid.New(), Visibility: models.VisibilityGroup,
			LocationID: locationID, SenderID: sender, Body: body,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		return m
	}

	appendGroup(friend, "one")
	deletedMsg := appendGroup(friend, "two")
	appendGroup(enemy, "three")

	if err := db.SoftDeleteMessage(ctx, deletedMsg.ID); err != nil {
		t.Fatalf("SoftDeleteMessage() error = %v", err)
	}
	// enemy blocks viewer; the pair is mutually invisible.
	if err := db.AddBlock(ctx, models.Block{BlockerID: enemy, BlockedID: viewer}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	got, err := db.MessagesAfter(ctx, viewer, locationID, 0, 100)
	if err != nil {
		t.Fatalf("MessagesAfter() error = %v", err)
	}
	if len(got) != 1 || got[0].Body != "one" {
		t.Fatalf("MessagesAfter() = %d messages, want only %q", len(got), "one")
	}
}

func TestMessagesAfter_IncludesPrivateThreads(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	viewer := uuid.New()
	other := uuid.New()
	stranger := uuid.New()

	appendPrivate := func(sender, recipient uuid.UUID, body string) {
		t.Helper()
		if _, err := db.AppendMessage(ctx, models.Message{
			ID: uuid.New(), Visibility: models.VisibilityPrivate,
			SenderID: sender, RecipientID: recipient, Body: body,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	appendPrivate(other, viewer, "to viewer")
	appendPrivate(viewer, other, "from viewer")
	appendPrivate(stranger, other, "unrelated")

	got, err := db.MessagesAfter(ctx, viewer, uuid.Nil, 0, 100)
	if err != nil {
		t.Fatalf("MessagesAfter() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("MessagesAfter() = %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.SenderID != viewer && m.RecipientID != viewer {
			t.Errorf("message %q does not involve viewer", m.Body)
		}
	}
}

func TestToggleReaction(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	user := uuid.New()

	msg, err := db.AppendMessage(ctx, models.Message{
		ID: uuid.New(), Visibility: models.VisibilityGroup,
		LocationID: uuid.New(), SenderID: uuid.New(), Body: "react to me",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	r := models.Reaction{MessageID: msg.ID, UserID: user, Emoji: "🔥"}

	added, count, err := db.ToggleReaction(ctx, r)
	if err != nil {
		t.Fatalf("ToggleReaction() error = %v", err)
	}
	if !added || count != 1 {
		t.Errorf("first toggle = (added=%v, count=%d), want (true, 1)", added, count)
	}

	// Identical second call nets to "not reacted", never a negative count.
	added, count, err = db.ToggleReaction(ctx, r)
	if err != nil {
		t.Fatalf("ToggleReaction() error = %v", err)
	}
	if added || count != 0 {
		t.Errorf("second toggle = (added=%v, count=%d), want (false, 0)", added, count)
	}
}

func TestBlockedSetFor_BothDirections(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	viewer := uuid.New()
	blockedByViewer := uuid.New()
	blocksViewer := uuid.New()
	unrelated := uuid.New()

	if err := db.AddBlock(ctx, models.Block{BlockerID: viewer, BlockedID: blockedByViewer}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}
	if err := db.AddBlock(ctx, models.Block{BlockerID: blocksViewer, BlockedID: viewer}); err != nil {
		t.Fatalf("AddBlock() error = %v", err)
	}

	set, err := db.BlockedSetFor(ctx, viewer)
	if err != nil {
		t.Fatalf("BlockedSetFor() error = %v", err)
	}
	if !set[blockedByViewer] || !set[blocksViewer] {
		t.Errorf("blocked set missing entries: %v", set)
	}
	if set[unrelated] {
		t.Error("blocked set contains unrelated user")
	}

	blocked, err := db.IsBlockedEither(ctx, viewer, blocksViewer)
	if err != nil {
		t.Fatalf("IsBlockedEither() error = %v", err)
	}
	if !blocked {
		t.Error("IsBlockedEither() = false, want true")
	}
}

func TestInsertReport(t *testing.T) {
	db := setupDB(t)
	r := models.Report{
		ID:         uuid.New(),
		ReporterID: uuid.New(),
		MessageID:  uuid.New(),
		Reason:     "spam",
		CreatedAt:  time.Now().UTC(),
	}
	if err := db.InsertReport(context.Background(), r); err != nil {
		t.Fatalf("InsertReport() error = %v", err)
	}
}
