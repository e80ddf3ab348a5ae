// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package presence maintains the authoritative in-memory roster for each
// location: active memberships joined with currently-open connection
// sessions.
//
// Each location's roster is owned by a single actor goroutine, so deltas
// carry one total order per location even though membership changes and
// session open/close events originate from different components. The
// roster is derived state: the reconciliation sweep rebuilds it from the
// membership store if pushed deltas were ever missed.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/models"
)

// BlockChecker is the moderation gate surface the registry needs for
// viewer-scoped roster filtering.
type BlockChecker interface {
	BlockedSet(ctx context.Context, viewerID uuid.UUID) (map[uuid.UUID]bool, error)
}

// MembershipSource is the store surface used to seed a location's roster
// on first use, so a roster read after restart reflects active members
// immediately instead of waiting for the reconciliation sweep.
type MembershipSource interface {
	ListMembershipsByStatus(ctx context.Context, locationID uuid.UUID, status models.MembershipStatus) ([]models.Membership, error)
}

// seedTimeout bounds the store read when cold-starting a roster.
const seedTimeout = 5 * time.Second

// Registry is the authoritative roster registry across locations.
type Registry struct {
	gate  BlockChecker
	store MembershipSource

	mu       sync.RWMutex
	actors   map[uuid.UUID]*locationActor
	userLoc  map[uuid.UUID]uuid.UUID // active location per user
	sessions map[uuid.UUID]int       // open session count per user
	profiles map[uuid.UUID]models.User
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(gate BlockChecker) *Registry {
	return &Registry{
		gate:     gate,
		actors:   make(map[uuid.UUID]*locationActor),
		userLoc:  make(map[uuid.UUID]uuid.UUID),
		sessions: make(map[uuid.UUID]int),
		profiles: make(map[uuid.UUID]models.User),
	}
}

// SetStore installs the membership store used to seed rosters on first
// use. Without one, rosters start empty and fill from pushed deltas and
// the reconciliation sweep.
func (r *Registry) SetStore(store MembershipSource) {
	r.store = store
}

// actor returns the actor for a location, creating and seeding it on
// first use.
func (r *Registry) actor(locationID uuid.UUID) *locationActor {
	r.mu.RLock()
	a, ok := r.actors[locationID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	// Read the store before taking the write lock so the seed query does
	// not serialize all roster access. A racing creator wins harmlessly;
	// its seed covers the same memberships.
	seed := r.loadSeed(locationID)

	r.mu.Lock()
	if a, ok := r.actors[locationID]; ok {
		r.mu.Unlock()
		return a
	}
	a = newLocationActor(locationID)
	r.actors[locationID] = a
	for _, m := range seed {
		if _, taken := r.userLoc[m.UserID]; !taken {
			r.userLoc[m.UserID] = m.LocationID
		}
		profile := r.profiles[m.UserID]
		entry := models.RosterEntry{
			UserID:      m.UserID,
			DisplayName: profile.DisplayName,
			AvatarRef:   profile.AvatarRef,
			Role:        profile.Role,
			Online:      r.sessions[m.UserID] > 0,
			JoinedAt:    m.JoinedAt,
		}
		a.enqueue(func() { a.applyChange(events.RosterJoined, entry) })
	}
	r.mu.Unlock()
	return a
}

// loadSeed reads the location's active memberships for cold-start
// seeding. Errors degrade to an empty roster that the reconciliation
// sweep fills in.
func (r *Registry) loadSeed(locationID uuid.UUID) []models.Membership {
	if r.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()
	seed, err := r.store.ListMembershipsByStatus(ctx, locationID, models.MembershipActive)
	if err != nil {
		logging.Err(err).Str("location_id", locationID.String()).Msg("roster seed read failed")
		return nil
	}
	return seed
}

// OnMembershipChange applies a membership transition to the derived
// roster. user carries profile details when the caller has them (join
// paths); nil falls back to the cached profile.
func (r *Registry) OnMembershipChange(m models.Membership, user *models.User) {
	r.mu.Lock()
	if user != nil {
		r.profiles[m.UserID] = *user
	}
	profile := r.profiles[m.UserID]
	online := r.sessions[m.UserID] > 0
	if m.Status == models.MembershipActive {
		r.userLoc[m.UserID] = m.LocationID
	} else if r.userLoc[m.UserID] == m.LocationID {
		delete(r.userLoc, m.UserID)
	}
	r.mu.Unlock()

	entry := models.RosterEntry{
		UserID:      m.UserID,
		DisplayName: profile.DisplayName,
		AvatarRef:   profile.AvatarRef,
		Role:        profile.Role,
		Online:      online,
		JoinedAt:    m.JoinedAt,
	}

	a := r.actor(m.LocationID)
	switch m.Status {
	case models.MembershipActive:
		a.enqueue(func() { a.applyChange(events.RosterJoined, entry) })
	case models.MembershipInactive, models.MembershipBanned:
		a.enqueue(func() { a.applyChange(events.RosterLeft, entry) })
	case models.MembershipProposed:
		// Proposed members are not on the roster yet.
	}
}

// OnSessionOpen records an open session for the user and flips the
// online flag on their active location's roster when this is the first.
func (r *Registry) OnSessionOpen(userID uuid.UUID) {
	r.sessionDelta(userID, +1)
}

// OnSessionClose records a closed session and flips the online flag off
// when it was the last.
func (r *Registry) OnSessionClose(userID uuid.UUID) {
	r.sessionDelta(userID, -1)
}

func (r *Registry) sessionDelta(userID uuid.UUID, delta int) {
	r.mu.Lock()
	before := r.sessions[userID]
	after := before + delta
	if after < 0 {
		after = 0
	}
	if after == 0 {
		delete(r.sessions, userID)
	} else {
		r.sessions[userID] = after
	}
	locationID, hasLoc := r.userLoc[userID]
	r.mu.Unlock()

	if !hasLoc {
		return
	}
	wasOnline := before > 0
	isOnline := after > 0
	if wasOnline == isOnline {
		return
	}
	change := events.RosterOffline
	if isOnline {
		change = events.RosterOnline
	}
	a := r.actor(locationID)
	entry := models.RosterEntry{UserID: userID}
	a.enqueue(func() { a.applyChange(change, entry) })
}

// GetRoster returns the location's active members with online flags,
// excluding users mutually blocked with the viewer.
func (r *Registry) GetRoster(ctx context.Context, locationID, viewerID uuid.UUID) ([]models.RosterEntry, error) {
	blocked, err := r.gate.BlockedSet(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	full := r.actor(locationID).roster()
	out := make([]models.RosterEntry, 0, len(full))
	for _, e := range full {
		if blocked[e.UserID] {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// OnlineMembers returns the user IDs of roster members with at least one
// open session. Used by group fan-out.
func (r *Registry) OnlineMembers(locationID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, e := range r.actor(locationID).roster() {
		if e.Online {
			out = append(out, e.UserID)
		}
	}
	return out
}

// ActiveLocation returns the location the user's roster entry lives on,
// if any.
func (r *Registry) ActiveLocation(userID uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.userLoc[userID]
	return loc, ok
}

// Subscribe returns a consistent snapshot plus the ordered delta channel
// for a location. The subscriber receives every delta with Seq greater
// than the snapshot's unless it lags past its buffer, in which case the
// next reconciliation snapshot closes the gap.
func (r *Registry) Subscribe(locationID uuid.UUID) (events.RosterDelta, <-chan events.RosterDelta, func()) {
	return r.actor(locationID).subscribe()
}

// Reconcile rebuilds each known location's roster from the membership
// store and corrects drift. Divergence means a delta was lost somewhere;
// it is logged as a consistency alarm, favoring the store's view.
func (r *Registry) Reconcile(ctx context.Context, db *database.DB) {
	r.mu.RLock()
	locationIDs := make([]uuid.UUID, 0, len(r.actors))
	for id := range r.actors {
		locationIDs = append(locationIDs, id)
	}
	r.mu.RUnlock()

	for _, locationID := range locationIDs {
		stored, err := db.ListMembershipsByStatus(ctx, locationID, models.MembershipActive)
		if err != nil {
			logging.Err(err).Str("location_id", locationID.String()).Msg("reconcile read failed")
			continue
		}
		storedSet := make(map[uuid.UUID]models.Membership, len(stored))
		for _, m := range stored {
			storedSet[m.UserID] = m
		}

		current := r.actor(locationID).roster()
		currentSet := make(map[uuid.UUID]bool, len(current))
		for _, e := range current {
			currentSet[e.UserID] = true
			if _, ok := storedSet[e.UserID]; !ok {
				logging.Warn().
					Str("location_id", locationID.String()).
					Str("user_id", e.UserID.String()).
					Msg("consistency alarm: roster member not active in store, removing")
				r.OnMembershipChange(models.Membership{
					UserID:     e.UserID,
					LocationID: locationID,
					Status:     models.MembershipInactive,
				}, nil)
			}
		}
		for userID, m := range storedSet {
			if !currentSet[userID] {
				logging.Warn().
					Str("location_id", locationID.String()).
					Str("user_id", userID.String()).
					Msg("consistency alarm: active membership missing from roster, adding")
				r.OnMembershipChange(m, nil)
			}
		}
	}
}

// Close stops all location actors.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	actors := make([]*locationActor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
}
