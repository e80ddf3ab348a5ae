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
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertLocation inserts or replaces a location record.
func (db *DB) UpsertLocation(ctx context.Context, loc models.Location) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO locations (id, name, latitude, longitude, radius_miles, open_minute, close_minute)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		loc.ID, loc.Name, loc.Latitude, loc.Longitude, loc.RadiusMiles,
		loc.Hours.OpenMinute, loc.Hours.CloseMinute)
	if err != nil {
		return fmt.Errorf("upsert location %s: %w", loc.ID, err)
	}
	return nil
}

// GetLocation fetches one location by ID.
func (db *DB) GetLocation(ctx context.Context, id uuid.UUID) (models.Location, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, latitude, longitude, radius_miles, open_minute, close_minute
		 FROM locations WHERE id = ?`, id)
	var loc models.Location
	err := row.Scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude,
		&loc.RadiusMiles, &loc.Hours.OpenMinute, &loc.Hours.CloseMinute)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, ErrNotFound
	}
	if err != nil {
		return models.Location{}, fmt.Errorf("get location %s: %w", id, err)
	}
	return loc, nil
}

// ListLocations returns all location records.
func (db *DB) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, latitude, longitude, radius_miles, open_minute, close_minute
		 FROM locations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.Location
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Latitude, &loc.Longitude,
			&loc.RadiusMiles, &loc.Hours.OpenMinute, &loc.Hours.CloseMinute); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// UpsertMembership inserts or replaces a membership row.
func (db *DB) UpsertMembership(ctx context.Context, m models.Membership) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO memberships (user_id, location_id, status, joined_at, last_active)
		 VALUES (?, ?, ?, ?, ?)`,
		m.UserID, m.LocationID, string(m.Status), utc(m.JoinedAt), utc(m.LastActive))
	if err != nil {
		return fmt.Errorf("upsert membership (%s, %s): %w", m.UserID, m.LocationID, err)
	}
	return nil
}

// GetMembership fetches the membership for a (user, location) pair.
func (db *DB) GetMembership(ctx context.Context, userID, locationID uuid.UUID) (models.Membership, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT user_id, location_id, status, joined_at, last_active
		 FROM memberships WHERE user_id = ? AND location_id = ?`, userID, locationID)
	return scanMembership(row)
}

// GetActiveMembershipForUser returns the user's single active membership,
// or ErrNotFound. The one-active invariant is enforced by the membership
// manager's per-user serialization, not here.
func (db *DB) GetActiveMembershipForUser(ctx context.Context, userID uuid.UUID) (models.Membership, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT user_id, location_id, status, joined_at, last_active
		 FROM memberships WHERE user_id = ? AND status = ?`,
		userID, string(models.MembershipActive))
	return scanMembership(row)
}

// ListMembershipsByStatus returns all memberships for a location in the
// given status.
func (db *DB) ListMembershipsByStatus(ctx context.Context, locationID uuid.UUID, status models.MembershipStatus) ([]models.Membership, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, location_id, status, joined_at, last_active
		 FROM memberships WHERE location_id = ? AND status = ? ORDER BY joined_at`,
		locationID, string(status))
	if err != nil {
		return nil, fmt.Errorf("list memberships for %s: %w", locationID, err)
	}
	defer closeQuietly(rows)

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		var status string
		if err := rows.Scan(&m.UserID, &m.LocationID, &status, &m.JoinedAt, &m.LastActive); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Status = models.MembershipStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMembershipStatus transitions a membership and refreshes
// last_active in one statement.
func (db *DB) UpdateMembershipStatus(ctx context.Context, userID, locationID uuid.UUID, status models.MembershipStatus, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE memberships SET status = ?, last_active = ? WHERE user_id = ? AND location_id = ?`,
		string(status), utc(at), userID, locationID)
	if err != nil {
		return fmt.Errorf("update membership (%s, %s) to %s: %w", userID, locationID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchMembership refreshes last_active without a status change.
func (db *DB) TouchMembership(ctx context.Context, userID, locationID uuid.UUID, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE memberships SET last_active = ? WHERE user_id = ? AND location_id = ?`,
		utc(at), userID, locationID)
	if err != nil {
		return fmt.Errorf("touch membership (%s, %s): %w", userID, locationID, err)
	}
	return nil
}

// ListIdleActiveMemberships returns active memberships whose last_active
// is older than the cutoff. Used by the idle sweep.
func (db *DB) ListIdleActiveMemberships(ctx context.Context, cutoff time.Time) ([]models.Membership, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT user_id, location_id, status, joined_at, last_active
		 FROM memberships WHERE status = ? AND last_active < ?`,
		string(models.MembershipActive), utc(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list idle memberships: %w", err)
	}
	defer closeQuietly(rows)

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		var status string
		if err := rows.Scan(&m.UserID, &m.LocationID, &status, &m.JoinedAt, &m.LastActive); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Status = models.MembershipStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMembership(row rowScanner) (models.Membership, error) {
	var m models.Membership
	var status string
	err := row.Scan(&m.UserID, &m.LocationID, &status, &m.JoinedAt, &m.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Membership{}, ErrNotFound
	}
	if err != nil {
		return models.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	m.Status = models.MembershipStatus(status)
	return m, nil
}
