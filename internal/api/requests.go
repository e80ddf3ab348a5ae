// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

// maxRequestBody caps request bodies well above the largest legal payload.
const maxRequestBody = 64 * 1024

// positionRequest is a device GPS fix.
type positionRequest struct {
	Latitude  float64   `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64   `json:"longitude" validate:"min=-180,max=180"`
	AccuracyM float64   `json:"accuracy_m" validate:"min=0"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

func (p positionRequest) toModel() models.DevicePosition {
	return models.DevicePosition{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		AccuracyM: p.AccuracyM,
		Timestamp: p.Timestamp,
	}
}

// sendMessageRequest is the REST send path; the websocket frame carries the
// same fields.
type sendMessageRequest struct {
	Visibility  string     `json:"visibility" validate:"omitempty,oneof=group private"`
	RecipientID uuid.UUID  `json:"recipient_id,omitempty"`
	Body        string     `json:"body" validate:"required"`
	ReplyTo     *uuid.UUID `json:"reply_to,omitempty"`
}

type reactRequest struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Emoji     string    `json:"emoji" validate:"required,max=16"`
}

type blockRequest struct {
	BlockedID uuid.UUID `json:"blocked_id" validate:"required"`
}

type reportRequest struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Reason    string    `json:"reason" validate:"required,max=1000"`
}

type banRequest struct {
	UserID     uuid.UUID `json:"user_id" validate:"required"`
	LocationID uuid.UUID `json:"location_id" validate:"required"`
}

// locationRequest creates or updates a venue location.
type locationRequest struct {
	ID          uuid.UUID `json:"id,omitempty"`
	Name        string    `json:"name" validate:"required,max=200"`
	Latitude    float64   `json:"latitude" validate:"min=-90,max=90"`
	Longitude   float64   `json:"longitude" validate:"min=-180,max=180"`
	RadiusMiles float64   `json:"radius_miles" validate:"gt=0,max=100"`
	OpenMinute  int       `json:"open_minute" validate:"min=0,max=1439"`
	CloseMinute int       `json:"close_minute" validate:"min=0,max=1439"`
}

func (l locationRequest) toModel() models.Location {
	id := l.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return models.Location{
		ID:          id,
		Name:        l.Name,
		Latitude:    l.Latitude,
		Longitude:   l.Longitude,
		RadiusMiles: l.RadiusMiles,
		Hours:       models.HoursWindow{OpenMinute: l.OpenMinute, CloseMinute: l.CloseMinute},
	}
}

// decodeAndValidate parses the JSON body into dst and runs struct
// validation. Callers handle the returned error as a 400.
func decodeAndValidate(r *http.Request, validate *validator.Validate, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return err
	}
	return nil
}
