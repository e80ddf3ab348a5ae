// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package models defines the domain types shared across Venuepack components:
// users, locations, memberships, messages, reactions, blocks, and reports.
//
// Ownership follows a single-writer rule: the membership manager is the only
// writer of Membership.Status, the presence registry the only writer of the
// derived roster, and the chat store the only writer of Message/Reaction rows.
// Other components read through those owners' exposed operations.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role classifies a user within a venue.
type Role string

const (
	RolePatron    Role = "patron"
	RoleStaff     Role = "staff"
	RoleModerator Role = "moderator"
)

// User is an already-authenticated identity handed to the core by the
// identity collaborator. Venuepack references users by ID and never issues
// or mutates identities.
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Role        Role      `json:"role"`
}

// HoursWindow is a daily active-hours window in minutes since local
// midnight. Windows may cross midnight (OpenMinute > CloseMinute), e.g.
// a venue open 18:00-02:00.
type HoursWindow struct {
	OpenMinute  int `json:"open_minute" koanf:"open_minute"`
	CloseMinute int `json:"close_minute" koanf:"close_minute"`
}

// Contains reports whether t falls inside the window. A zero window
// (open == close == 0) means always open.
func (w HoursWindow) Contains(t time.Time) bool {
	if w.OpenMinute == 0 && w.CloseMinute == 0 {
		return true
	}
	minute := t.Hour()*60 + t.Minute()
	if w.OpenMinute <= w.CloseMinute {
		return minute >= w.OpenMinute && minute < w.CloseMinute
	}
	// Overnight window, e.g. 18:00-02:00.
	return minute >= w.OpenMinute || minute < w.CloseMinute
}

// Location is a venue with a circular activation zone. Immutable during a
// session; created and edited by venue operators outside this core.
// RadiusMiles is stored in miles, matching the operator-facing location
// records; the geofence evaluator converts to meters.
type Location struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	RadiusMiles float64     `json:"radius_miles"`
	Hours       HoursWindow `json:"hours"`
}

// DevicePosition is a single GPS fix reported by a client device.
type DevicePosition struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	AccuracyM float64   `json:"accuracy_m"`
	Timestamp time.Time `json:"timestamp"`
}

// MembershipStatus is the lifecycle state of a (user, location) membership.
type MembershipStatus string

const (
	// MembershipProposed means geofence entry was confirmed and an
	// invitation was emitted, awaiting user confirmation.
	MembershipProposed MembershipStatus = "proposed"
	// MembershipActive means the user is in this location's pack.
	// At most one active membership exists per user across all locations.
	MembershipActive MembershipStatus = "active"
	// MembershipInactive means the user left, exited the geofence, or
	// idled out. Re-entry starts a fresh proposed membership.
	MembershipInactive MembershipStatus = "inactive"
	// MembershipBanned is terminal and set only by moderation.
	MembershipBanned MembershipStatus = "banned"
)

// Membership ties a user to a location-scoped pack.
type Membership struct {
	UserID     uuid.UUID        `json:"user_id"`
	LocationID uuid.UUID        `json:"location_id"`
	Status     MembershipStatus `json:"status"`
	JoinedAt   time.Time        `json:"joined_at"`
	LastActive time.Time        `json:"last_active"`
}

// RosterEntry is one row of a location's live roster: an active member
// annotated with an online flag derived from open sessions. The roster is
// derived state, rebuilt from memberships and sessions, never persisted.
type RosterEntry struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Role        Role      `json:"role"`
	Online      bool      `json:"online"`
	JoinedAt    time.Time `json:"joined_at"`
}
