// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package membership

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/presence"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// Salem, MA town center with a 100 m activation radius.
const (
	venueLat = 42.5195
	venueLon = -70.8967
)

type openGate struct{}

func (openGate) BlockedSet(context.Context, uuid.UUID) (map[uuid.UUID]bool, error) {
	return map[uuid.UUID]bool{}, nil
}

func testConfig() (config.MembershipConfig, config.GeofenceConfig) {
	return config.MembershipConfig{
			DebounceSamples: 3,
			ExitGrace:       5 * time.Minute,
			IdleTimeout:     30 * time.Minute,
		}, config.GeofenceConfig{
			MaxAccuracyM: 50,
			MaxFixAge:    2 * time.Minute,
		}
}

func newTestManager(t *testing.T) (*Manager, *database.DB, uuid.UUID) {
	t.Helper()
	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	loc := models.Location{
		ID:          uuid.New(),
		Name:        "Harborside Tavern",
		Latitude:    venueLat,
		Longitude:   venueLon,
		RadiusMiles: 100.0 / 1609.344,
	}
	if err := db.UpsertLocation(context.Background(), loc); err != nil {
		t.Fatalf("UpsertLocation() error = %v", err)
	}

	reg := presence.NewRegistry(openGate{})
	t.Cleanup(reg.Close)

	memCfg, geoCfg := testConfig()
	return NewManager(db, reg, events.NopPublisher{}, memCfg, geoCfg), db, loc.ID
}

func insideFix() models.DevicePosition {
	return models.DevicePosition{
		Latitude:  venueLat + 0.0003, // ~33 m north
		Longitude: venueLon,
		AccuracyM: 10,
		Timestamp: time.Now().UTC(),
	}
}

func outsideFix() models.DevicePosition {
	return models.DevicePosition{
		Latitude:  venueLat + 0.01, // ~1.1 km north
		Longitude: venueLon,
		AccuracyM: 10,
		Timestamp: time.Now().UTC(),
	}
}

func TestReportPosition_ProposesEntry(t *testing.T) {
	m, db, locID := newTestManager(t)
	user := &models.User{ID: uuid.New(), DisplayName: "ana", Role: models.RolePatron}

	inv, err := m.ReportPosition(context.Background(), user, insideFix())
	if err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if inv == nil {
		t.Fatal("ReportPosition() returned no invitation for in-range fix")
	}
	if inv.LocationID != locID {
		t.Errorf("invitation location = %s, want %s", inv.LocationID, locID)
	}
	if inv.AutoConfirmed {
		t.Error("invitation auto-confirmed without auto_confirm")
	}

	mem, err := db.GetMembership(context.Background(), user.ID, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if mem.Status != models.MembershipProposed {
		t.Errorf("status = %s, want proposed", mem.Status)
	}
}

func TestReportPosition_RejectsBadFixes(t *testing.T) {
	m, db, locID := newTestManager(t)
	user := &models.User{ID: uuid.New(), DisplayName: "bo", Role: models.RolePatron}

	tests := []struct {
		name    string
		mutate  func(*models.DevicePosition)
		wantErr error
	}{
		{
			name:    "stale timestamp",
			mutate:  func(p *models.DevicePosition) { p.Timestamp = time.Now().UTC().Add(-10 * time.Minute) },
			wantErr: ErrStaleFix,
		},
		{
			name:    "low accuracy",
			mutate:  func(p *models.DevicePosition) { p.AccuracyM = 500 },
			wantErr: ErrLowAccuracy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := insideFix()
			tt.mutate(&pos)
			if _, err := m.ReportPosition(context.Background(), user, pos); !errors.Is(err, tt.wantErr) {
				t.Errorf("ReportPosition() error = %v, want %v", err, tt.wantErr)
			}
			// Rejected fixes must not create a membership.
			if _, err := db.GetMembership(context.Background(), user.ID, locID); !errors.Is(err, database.ErrNotFound) {
				t.Errorf("membership exists after rejected fix")
			}
		})
	}
}

func TestConfirm_Activates(t *testing.T) {
	m, db, locID := newTestManager(t)
	user := &models.User{ID: uuid.New(), DisplayName: "cal", Role: models.RolePatron}

	if _, err := m.ReportPosition(context.Background(), user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(context.Background(), user, locID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	mem, err := db.GetActiveMembershipForUser(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("GetActiveMembershipForUser() error = %v", err)
	}
	if mem.LocationID != locID {
		t.Errorf("active location = %s, want %s", mem.LocationID, locID)
	}

	// Idempotent.
	if err := m.Confirm(context.Background(), user, locID); err != nil {
		t.Errorf("second Confirm() error = %v", err)
	}
}

func TestConfirm_WithoutInvitation(t *testing.T) {
	m, _, locID := newTestManager(t)
	user := &models.User{ID: uuid.New(), DisplayName: "dee", Role: models.RolePatron}

	if err := m.Confirm(context.Background(), user, locID); !errors.Is(err, ErrNoMembership) {
		t.Errorf("Confirm() error = %v, want ErrNoMembership", err)
	}
}

func TestConfirm_DeactivatesPreviousActive(t *testing.T) {
	m, db, locA := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "eli", Role: models.RolePatron}

	locB := models.Location{
		ID:          uuid.New(),
		Name:        "North End Cafe",
		Latitude:    venueLat + 0.1,
		Longitude:   venueLon,
		RadiusMiles: 100.0 / 1609.344,
	}
	if err := db.UpsertLocation(ctx, locB); err != nil {
		t.Fatalf("UpsertLocation() error = %v", err)
	}

	if _, err := m.ReportPosition(ctx, user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locA); err != nil {
		t.Fatalf("Confirm(A) error = %v", err)
	}

	// Propose B directly and confirm it; A must flip to inactive.
	if err := db.UpsertMembership(ctx, models.Membership{
		UserID: user.ID, LocationID: locB.ID,
		Status: models.MembershipProposed, JoinedAt: time.Now().UTC(), LastActive: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertMembership() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locB.ID); err != nil {
		t.Fatalf("Confirm(B) error = %v", err)
	}

	active, err := m.db.GetActiveMembershipForUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetActiveMembershipForUser() error = %v", err)
	}
	if active.LocationID != locB.ID {
		t.Errorf("active location = %s, want %s", active.LocationID, locB.ID)
	}
	prev, err := db.GetMembership(ctx, user.ID, locA)
	if err != nil {
		t.Fatalf("GetMembership(A) error = %v", err)
	}
	if prev.Status != models.MembershipInactive {
		t.Errorf("previous membership status = %s, want inactive", prev.Status)
	}
}

func TestReportPosition_ExitDebounce(t *testing.T) {
	m, db, locID := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "fay", Role: models.RolePatron}

	if _, err := m.ReportPosition(ctx, user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	// First two out-of-range fixes are below the three-sample debounce.
	for i := 0; i < 2; i++ {
		if _, err := m.ReportPosition(ctx, user, outsideFix()); err != nil {
			t.Fatalf("ReportPosition() error = %v", err)
		}
		mem, err := db.GetMembership(ctx, user.ID, locID)
		if err != nil {
			t.Fatalf("GetMembership() error = %v", err)
		}
		if mem.Status != models.MembershipActive {
			t.Fatalf("membership exited after %d out-of-range fixes", i+1)
		}
	}

	// Third consecutive miss exits.
	if _, err := m.ReportPosition(ctx, user, outsideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	mem, err := db.GetMembership(ctx, user.ID, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if mem.Status != models.MembershipInactive {
		t.Errorf("status = %s, want inactive after debounce", mem.Status)
	}
}

func TestReportPosition_InRangeResetsDebounce(t *testing.T) {
	m, db, locID := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "gus", Role: models.RolePatron}

	if _, err := m.ReportPosition(ctx, user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}

	// Two misses, one hit, two more misses: never reaches three in a row.
	seq := []models.DevicePosition{outsideFix(), outsideFix(), insideFix(), outsideFix(), outsideFix()}
	for _, pos := range seq {
		if _, err := m.ReportPosition(ctx, user, pos); err != nil {
			t.Fatalf("ReportPosition() error = %v", err)
		}
	}
	mem, err := db.GetMembership(ctx, user.ID, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if mem.Status != models.MembershipActive {
		t.Errorf("status = %s, want active (debounce should have reset)", mem.Status)
	}
}

func TestBan_IsTerminal(t *testing.T) {
	m, db, locID := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "hal", Role: models.RolePatron}
	moderator := &models.User{ID: uuid.New(), DisplayName: "mod", Role: models.RoleModerator}

	if _, err := m.ReportPosition(ctx, user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if err := m.Ban(ctx, moderator, user.ID, locID); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}

	mem, err := db.GetMembership(ctx, user.ID, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if mem.Status != models.MembershipBanned {
		t.Fatalf("status = %s, want banned", mem.Status)
	}

	// A banned user walking back in gets no invitation.
	inv, err := m.ReportPosition(ctx, user, insideFix())
	if err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if inv != nil {
		t.Error("banned user received an invitation")
	}
	if err := m.Confirm(ctx, user, locID); !errors.Is(err, ErrBanned) {
		t.Errorf("Confirm() error = %v, want ErrBanned", err)
	}
	if err := m.Leave(ctx, user.ID, locID); !errors.Is(err, ErrBanned) {
		t.Errorf("Leave() error = %v, want ErrBanned", err)
	}
}

func TestLeave(t *testing.T) {
	m, db, locID := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "ida", Role: models.RolePatron}

	if err := m.Leave(ctx, user.ID, locID); !errors.Is(err, ErrNoMembership) {
		t.Fatalf("Leave() error = %v, want ErrNoMembership", err)
	}

	if _, err := m.ReportPosition(ctx, user, insideFix()); err != nil {
		t.Fatalf("ReportPosition() error = %v", err)
	}
	if err := m.Confirm(ctx, user, locID); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if err := m.Leave(ctx, user.ID, locID); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	mem, err := db.GetMembership(ctx, user.ID, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if mem.Status != models.MembershipInactive {
		t.Errorf("status = %s, want inactive", mem.Status)
	}

	// Idempotent.
	if err := m.Leave(ctx, user.ID, locID); err != nil {
		t.Errorf("second Leave() error = %v", err)
	}
}

func TestSweepIdle(t *testing.T) {
	m, db, locID := newTestManager(t)
	ctx := context.Background()

	idleUser := uuid.New()
	freshUser := uuid.New()
	old := time.Now().UTC().Add(-time.Hour)
	for _, mem := range []models.Membership{
		{UserID: idleUser, LocationID: locID, Status: models.MembershipActive, JoinedAt: old, LastActive: old},
		{UserID: freshUser, LocationID: locID, Status: models.MembershipActive, JoinedAt: old, LastActive: time.Now().UTC()},
	} {
		if err := db.UpsertMembership(ctx, mem); err != nil {
			t.Fatalf("UpsertMembership() error = %v", err)
		}
	}

	m.SweepIdle(ctx)

	got, err := db.GetMembership(ctx, idleUser, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if got.Status != models.MembershipInactive {
		t.Errorf("idle member status = %s, want inactive", got.Status)
	}
	got, err = db.GetMembership(ctx, freshUser, locID)
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if got.Status != models.MembershipActive {
		t.Errorf("fresh member status = %s, want active", got.Status)
	}
}

// TestConfirm_ConcurrentOneActive hammers Confirm across many locations for
// one user and checks that exactly one membership ends up active.
func TestConfirm_ConcurrentOneActive(t *testing.T) {
	m, db, _ := newTestManager(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), DisplayName: "jay", Role: models.RolePatron}

	const n = 8
	locIDs := make([]uuid.UUID, n)
	for i := range locIDs {
		locIDs[i] = uuid.New()
		if err := db.UpsertMembership(ctx, models.Membership{
			UserID: user.ID, LocationID: locIDs[i],
			Status: models.MembershipProposed, JoinedAt: time.Now().UTC(), LastActive: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("UpsertMembership() error = %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range locIDs {
		wg.Add(1)
		go func(locationID uuid.UUID) {
			defer wg.Done()
			_ = m.Confirm(ctx, user, locationID)
		}(id)
	}
	wg.Wait()

	active := 0
	for _, id := range locIDs {
		mem, err := db.GetMembership(ctx, user.ID, id)
		if err != nil {
			t.Fatalf("GetMembership() error = %v", err)
		}
		if mem.Status == models.MembershipActive {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active memberships = %d, want exactly 1", active)
	}
}
