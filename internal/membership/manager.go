// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package membership owns the join/leave lifecycle of location packs. The
// manager is the only writer of Membership.Status: every transition funnels
// through a per-user lock, which is what makes "at most one active
// membership per user" hold under concurrent position reports, confirms,
// sweeps, and bans.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/geofence"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/metrics"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/presence"
)

// Input and state errors surfaced by the manager. Input errors never
// transition membership state.
var (
	// ErrStaleFix rejects a position fix older than geofence.max_fix_age.
	ErrStaleFix = errors.New("position fix too old")
	// ErrLowAccuracy rejects a fix whose accuracy radius exceeds
	// geofence.max_accuracy_m.
	ErrLowAccuracy = errors.New("position fix accuracy too low")
	// ErrBanned means the user is banned from the target location.
	ErrBanned = errors.New("banned from location")
	// ErrNoMembership means no membership exists to act on.
	ErrNoMembership = errors.New("no membership for location")
	// ErrNotProposed means Confirm was called without a pending
	// invitation.
	ErrNotProposed = errors.New("membership not awaiting confirmation")
)

// lockStripes is the size of the per-user lock table. Collisions serialize
// unrelated users, which is harmless.
const lockStripes = 64

// sweepInterval is how often Run scans for idle memberships.
const sweepInterval = time.Minute

// Invitation is the synchronous response to a position report that placed
// the user inside a new location's activation zone.
type Invitation struct {
	LocationID    uuid.UUID `json:"location_id"`
	LocationName  string    `json:"location_name"`
	DistanceM     float64   `json:"distance_m"`
	AutoConfirmed bool      `json:"auto_confirmed"`
}

// SessionCloser terminates a user's open sessions at a location. Wired to
// the session manager after construction to keep the dependency one-way.
type SessionCloser interface {
	CloseForBan(userID, locationID uuid.UUID)
}

// exitTracker counts consecutive out-of-range fixes for an active member.
type exitTracker struct {
	count    int
	firstOut time.Time
}

// Manager drives membership transitions from position fixes, user actions,
// moderation, and the idle sweep.
type Manager struct {
	db       *database.DB
	cfg      config.MembershipConfig
	geo      config.GeofenceConfig
	presence *presence.Registry
	pub      events.DomainPublisher

	mu       sync.Mutex
	sessions SessionCloser

	locks [lockStripes]sync.Mutex

	trackMu  sync.Mutex
	trackers map[uuid.UUID]*exitTracker
}

// NewManager wires the membership lifecycle. The session closer is set
// later via SetSessionCloser once the session layer exists.
func NewManager(db *database.DB, reg *presence.Registry, pub events.DomainPublisher, cfg config.MembershipConfig, geo config.GeofenceConfig) *Manager {
	return &Manager{
		db:       db,
		cfg:      cfg,
		geo:      geo,
		presence: reg,
		pub:      pub,
		trackers: make(map[uuid.UUID]*exitTracker),
	}
}

// SetSessionCloser attaches the session layer used to disconnect banned
// users.
func (m *Manager) SetSessionCloser(sc SessionCloser) {
	m.mu.Lock()
	m.sessions = sc
	m.mu.Unlock()
}

func (m *Manager) sessionCloser() SessionCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// userLock returns the stripe lock serializing all transitions for a user.
func (m *Manager) userLock(userID uuid.UUID) *sync.Mutex {
	return &m.locks[int(userID[0])%lockStripes]
}

// ReportPosition evaluates a device fix against all locations and advances
// the reporting user's membership state. It returns a non-nil Invitation
// when the fix proposes entry into a new location. Fixes failing the
// accuracy or age bounds return an input error and change nothing.
func (m *Manager) ReportPosition(ctx context.Context, user *models.User, pos models.DevicePosition) (*Invitation, error) {
	now := time.Now().UTC()
	if m.geo.MaxFixAge > 0 && now.Sub(pos.Timestamp) > m.geo.MaxFixAge {
		return nil, ErrStaleFix
	}
	if m.geo.MaxAccuracyM > 0 && pos.AccuracyM > m.geo.MaxAccuracyM {
		return nil, ErrLowAccuracy
	}

	locations, err := m.db.ListLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("report position: %w", err)
	}
	matches := geofence.Evaluate(pos, locations, now)

	lock := m.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.db.GetActiveMembershipForUser(ctx, user.ID)
	switch {
	case err == nil:
		return m.reportWithActive(ctx, user, active, matches, now)
	case errors.Is(err, database.ErrNotFound):
		return m.reportWithoutActive(ctx, user, matches, now)
	default:
		return nil, fmt.Errorf("report position: %w", err)
	}
}

// reportWithActive handles a fix from a user who already has an active
// membership. In-range fixes refresh last_active and reset the exit
// debounce; out-of-range fixes count toward it. Caller holds the user lock.
func (m *Manager) reportWithActive(ctx context.Context, user *models.User, active models.Membership, matches []geofence.Match, now time.Time) (*Invitation, error) {
	for _, match := range matches {
		if match.Location.ID == active.LocationID {
			m.clearTracker(user.ID)
			if err := m.db.TouchMembership(ctx, user.ID, active.LocationID, now); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	// Out of range. A single stray fix never exits: the debounce needs
	// debounce_samples consecutive misses or exit_grace of wall time.
	tr := m.bumpTracker(user.ID, now)
	if tr.count < m.cfg.DebounceSamples && now.Sub(tr.firstOut) < m.cfg.ExitGrace {
		logging.Debug().
			Str("user_id", user.ID.String()).
			Str("location_id", active.LocationID.String()).
			Int("out_of_range_samples", tr.count).
			Msg("Exit debounce pending")
		return nil, nil
	}

	m.clearTracker(user.ID)
	if err := m.deactivate(ctx, active, user.ID, now, "geofence_exit"); err != nil {
		return nil, err
	}
	// The same fix may place the user inside a different location.
	return m.reportWithoutActive(ctx, user, matches, now)
}

// reportWithoutActive handles a fix from a user with no active membership:
// the closest in-range location gets a proposed membership and an
// invitation. Caller holds the user lock.
func (m *Manager) reportWithoutActive(ctx context.Context, user *models.User, matches []geofence.Match, now time.Time) (*Invitation, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	closest := matches[0]

	existing, err := m.db.GetMembership(ctx, user.ID, closest.Location.ID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("report position: %w", err)
	}
	if err == nil {
		switch existing.Status {
		case models.MembershipBanned:
			// Banned users get no invitation and no error signal that
			// would reveal the ban to the device.
			return nil, nil
		case models.MembershipActive:
			return nil, nil
		}
	}

	proposed := models.Membership{
		UserID:     user.ID,
		LocationID: closest.Location.ID,
		Status:     models.MembershipProposed,
		JoinedAt:   now,
		LastActive: now,
	}
	if err := m.db.UpsertMembership(ctx, proposed); err != nil {
		return nil, fmt.Errorf("propose membership: %w", err)
	}
	metrics.MembershipTransitions.WithLabelValues(string(models.MembershipProposed)).Inc()

	inv := &Invitation{
		LocationID:   closest.Location.ID,
		LocationName: closest.Location.Name,
		DistanceM:    closest.DistanceM,
	}
	if m.cfg.AutoConfirm {
		if err := m.confirmLocked(ctx, user, closest.Location.ID, now); err != nil {
			return nil, err
		}
		inv.AutoConfirmed = true
	}
	return inv, nil
}

// Confirm accepts a pending invitation and activates the membership. Any
// other active membership the user holds is deactivated first, so the
// one-active invariant never has two active rows even transiently visible
// through the roster.
func (m *Manager) Confirm(ctx context.Context, user *models.User, locationID uuid.UUID) error {
	lock := m.userLock(user.ID)
	lock.Lock()
	defer lock.Unlock()
	return m.confirmLocked(ctx, user, locationID, time.Now().UTC())
}

func (m *Manager) confirmLocked(ctx context.Context, user *models.User, locationID uuid.UUID, now time.Time) error {
	target, err := m.db.GetMembership(ctx, user.ID, locationID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNoMembership
	}
	if err != nil {
		return fmt.Errorf("confirm membership: %w", err)
	}
	switch target.Status {
	case models.MembershipBanned:
		return ErrBanned
	case models.MembershipActive:
		return nil // idempotent
	case models.MembershipInactive:
		return ErrNotProposed
	}

	if prev, err := m.db.GetActiveMembershipForUser(ctx, user.ID); err == nil {
		if err := m.deactivate(ctx, prev, user.ID, now, "switched_location"); err != nil {
			return err
		}
	} else if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("confirm membership: %w", err)
	}

	target.Status = models.MembershipActive
	target.JoinedAt = now
	target.LastActive = now
	if err := m.db.UpsertMembership(ctx, target); err != nil {
		return fmt.Errorf("activate membership: %w", err)
	}
	metrics.MembershipTransitions.WithLabelValues(string(models.MembershipActive)).Inc()

	m.presence.OnMembershipChange(target, user)
	m.pub.PublishDomain(ctx, mustEvent(events.DomainMemberJoined, locationID, user.ID, map[string]string{
		"display_name": user.DisplayName,
	}))
	logging.Info().
		Str("user_id", user.ID.String()).
		Str("location_id", locationID.String()).
		Msg("Membership activated")
	return nil
}

// Leave voluntarily deactivates the user's membership at a location.
// Active and proposed memberships both accept it; re-entering the geofence
// later starts a fresh invitation.
func (m *Manager) Leave(ctx context.Context, userID, locationID uuid.UUID) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	mem, err := m.db.GetMembership(ctx, userID, locationID)
	if errors.Is(err, database.ErrNotFound) {
		return ErrNoMembership
	}
	if err != nil {
		return fmt.Errorf("leave: %w", err)
	}
	switch mem.Status {
	case models.MembershipBanned:
		return ErrBanned
	case models.MembershipInactive:
		return nil // idempotent
	}
	m.clearTracker(userID)
	return m.deactivate(ctx, mem, userID, time.Now().UTC(), "left")
}

// Ban sets the target's membership to banned, removes them from the roster,
// and disconnects their sessions at the location. Banned is terminal: no
// position report or confirm revives it.
func (m *Manager) Ban(ctx context.Context, moderator *models.User, targetID, locationID uuid.UUID) error {
	lock := m.userLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	mem, err := m.db.GetMembership(ctx, targetID, locationID)
	if errors.Is(err, database.ErrNotFound) {
		mem = models.Membership{UserID: targetID, LocationID: locationID, JoinedAt: now}
	} else if err != nil {
		return fmt.Errorf("ban: %w", err)
	}

	wasActive := mem.Status == models.MembershipActive
	mem.Status = models.MembershipBanned
	mem.LastActive = now
	if err := m.db.UpsertMembership(ctx, mem); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	metrics.MembershipTransitions.WithLabelValues(string(models.MembershipBanned)).Inc()
	m.clearTracker(targetID)

	if wasActive {
		m.presence.OnMembershipChange(mem, nil)
	}
	if sc := m.sessionCloser(); sc != nil {
		sc.CloseForBan(targetID, locationID)
	}
	m.pub.PublishDomain(ctx, mustEvent(events.DomainUserBanned, locationID, moderator.ID, map[string]string{
		"target_id": targetID.String(),
	}))
	logging.Warn().
		Str("target_id", targetID.String()).
		Str("moderator_id", moderator.ID.String()).
		Str("location_id", locationID.String()).
		Msg("User banned from location")
	return nil
}

// Touch refreshes last_active for an active membership, deferring the idle
// sweep. Called on message sends and other in-pack activity.
func (m *Manager) Touch(ctx context.Context, userID, locationID uuid.UUID) {
	if err := m.db.TouchMembership(ctx, userID, locationID, time.Now().UTC()); err != nil {
		logging.Error().Err(err).
			Str("user_id", userID.String()).
			Msg("Failed to refresh membership activity")
	}
}

// SweepIdle deactivates active memberships whose last_active is older than
// the idle timeout. Each candidate is re-checked under its user lock, so a
// send racing the sweep keeps its membership.
func (m *Manager) SweepIdle(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-m.cfg.IdleTimeout)
	idle, err := m.db.ListIdleActiveMemberships(ctx, cutoff)
	if err != nil {
		logging.Error().Err(err).Msg("Idle sweep query failed")
		return
	}
	for _, mem := range idle {
		lock := m.userLock(mem.UserID)
		lock.Lock()
		fresh, err := m.db.GetMembership(ctx, mem.UserID, mem.LocationID)
		if err == nil && fresh.Status == models.MembershipActive && fresh.LastActive.Before(cutoff) {
			if err := m.deactivate(ctx, fresh, mem.UserID, now, "idle_timeout"); err != nil {
				logging.Error().Err(err).
					Str("user_id", mem.UserID.String()).
					Msg("Idle sweep deactivation failed")
			}
		}
		lock.Unlock()
	}
}

// Run periodically sweeps idle memberships until the context is cancelled.
// Suture restarts it on panic.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// deactivate moves an active or proposed membership to inactive and fans
// the departure out. Caller holds the user lock.
func (m *Manager) deactivate(ctx context.Context, mem models.Membership, userID uuid.UUID, now time.Time, reason string) error {
	wasActive := mem.Status == models.MembershipActive
	if err := m.db.UpdateMembershipStatus(ctx, userID, mem.LocationID, models.MembershipInactive, now); err != nil {
		return fmt.Errorf("deactivate membership: %w", err)
	}
	metrics.MembershipTransitions.WithLabelValues(string(models.MembershipInactive)).Inc()

	if wasActive {
		mem.Status = models.MembershipInactive
		m.presence.OnMembershipChange(mem, nil)
		m.pub.PublishDomain(ctx, mustEvent(events.DomainMemberLeft, mem.LocationID, userID, map[string]string{
			"reason": reason,
		}))
	}
	logging.Info().
		Str("user_id", userID.String()).
		Str("location_id", mem.LocationID.String()).
		Str("reason", reason).
		Msg("Membership deactivated")
	return nil
}

func (m *Manager) bumpTracker(userID uuid.UUID, now time.Time) exitTracker {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	tr, ok := m.trackers[userID]
	if !ok {
		tr = &exitTracker{firstOut: now}
		m.trackers[userID] = tr
	}
	tr.count++
	return *tr
}

func (m *Manager) clearTracker(userID uuid.UUID) {
	m.trackMu.Lock()
	delete(m.trackers, userID)
	m.trackMu.Unlock()
}

// mustEvent builds a domain event from an always-marshalable payload.
func mustEvent(eventType string, locationID, actorID uuid.UUID, payload map[string]string) events.DomainEvent {
	ev, err := events.NewDomainEvent(eventType, locationID, actorID, payload)
	if err != nil {
		logging.Error().Err(err).Str("event_type", eventType).Msg("Failed to build domain event")
		ev = events.DomainEvent{EventType: eventType, LocationID: locationID, ActorID: actorID, OccurredAt: time.Now().UTC()}
	}
	return ev
}
