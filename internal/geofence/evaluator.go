// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package geofence decides whether a device position falls inside a venue's
// circular activation zone during its active hours.
//
// Evaluation is a pure function over the inputs: no I/O, no clocks other
// than the caller-supplied evaluation time, no side effects. Debouncing of
// noisy GPS fixes is deliberately NOT done here; the membership manager
// owns flap suppression so that the same evaluator output can feed both
// entry and exit decisions.
package geofence

import (
	"math"
	"sort"
	"time"

	"github.com/venuepack/venuepack/internal/models"
)

const (
	// earthRadiusMeters is the mean Earth radius used by the haversine
	// formula.
	earthRadiusMeters = 6371000.0

	// metersPerMile converts the miles stored on location records to the
	// meters used for distance comparison.
	metersPerMile = 1609.344
)

// Match is one in-range location with its measured distance.
type Match struct {
	Location models.Location
	DistanceM float64
}

// Evaluate returns the locations whose activation zone contains pos at the
// given evaluation time, ordered closest first. A location is in range iff
// the great-circle distance to its coordinates is within its activation
// radius AND now falls inside its active-hours window (overnight windows
// that cross midnight are supported).
func Evaluate(pos models.DevicePosition, locations []models.Location, now time.Time) []Match {
	var matches []Match
	for _, loc := range locations {
		if !loc.Hours.Contains(now) {
			continue
		}
		d := DistanceMeters(pos.Latitude, pos.Longitude, loc.Latitude, loc.Longitude)
		if d <= loc.RadiusMiles*metersPerMile {
			matches = append(matches, Match{Location: loc, DistanceM: d})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].DistanceM < matches[j].DistanceM
	})
	return matches
}

// InRange reports whether pos is inside the single location's activation
// zone at the given time.
func InRange(pos models.DevicePosition, loc models.Location, now time.Time) bool {
	if !loc.Hours.Contains(now) {
		return false
	}
	d := DistanceMeters(pos.Latitude, pos.Longitude, loc.Latitude, loc.Longitude)
	return d <= loc.RadiusMiles*metersPerMile
}

// DistanceMeters calculates the great-circle distance between two points
// using the haversine formula.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
