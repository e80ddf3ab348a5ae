// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/authz"
	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/identity"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/membership"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/moderation"
	"github.com/venuepack/venuepack/internal/presence"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// Salem, MA town center; the test venue has a 100 m radius.
const (
	venueLat = 42.5195
	venueLon = -70.8967
)

type fixture struct {
	srv   *httptest.Server
	db    *database.DB
	reg   *presence.Registry
	locID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	gate := moderation.NewGate(db)
	reg := presence.NewRegistry(gate)
	t.Cleanup(reg.Close)

	store := chat.NewStore(db, reg, events.NopPublisher{}, config.ChatConfig{
		MaxMessageChars:     500,
		RateLimitMessages:   100,
		RateLimitWindow:     10 * time.Second,
		AppendRetryAttempts: 1,
		AppendRetryDelay:    time.Millisecond,
	})
	mm := membership.NewManager(db, reg, events.NopPublisher{},
		config.MembershipConfig{DebounceSamples: 3, ExitGrace: 5 * time.Minute, IdleTimeout: 30 * time.Minute},
		config.GeofenceConfig{MaxAccuracyM: 50, MaxFixAge: 2 * time.Minute})

	enforcer, err := authz.NewEnforcer("")
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}

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

	handlers := NewHandlers(db, mm, store, reg, gate, enforcer)
	wsStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	router := NewRouter(handlers, identity.NewVerifier(""), wsStub, config.SecurityConfig{
		RateLimitDisabled: true,
		CORSOrigins:       []string{"*"},
	})

	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, db: db, reg: reg, locID: loc.ID}
}

func (f *fixture) request(t *testing.T, user *models.User, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if user != nil {
		req.Header.Set("X-User-ID", user.ID.String())
		req.Header.Set("X-Display-Name", user.DisplayName)
		req.Header.Set("X-Role", string(user.Role))
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !envelope.Success {
		t.Fatalf("response not successful: %s", envelope.Data)
	}
	if dst != nil {
		if err := json.Unmarshal(envelope.Data, dst); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
	}
}

func insideFix() map[string]any {
	return map[string]any{
		"latitude":   venueLat + 0.0003,
		"longitude":  venueLon,
		"accuracy_m": 10,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
}

func patron(name string) *models.User {
	return &models.User{ID: uuid.New(), DisplayName: name, Role: models.RolePatron}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, nil, http.MethodGet, "/api/v1/health/live", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live status = %d, want 200", resp.StatusCode)
	}
	resp = f.request(t, nil, http.MethodGet, "/api/v1/health/ready", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	f := newFixture(t)
	resp := f.request(t, nil, http.MethodGet, "/api/v1/locations", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestJoinFlow(t *testing.T) {
	f := newFixture(t)
	user := patron("ana")

	// In-range fix yields an invitation.
	resp := f.request(t, user, http.MethodPost, "/api/v1/position", insideFix())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position status = %d, want 200", resp.StatusCode)
	}
	var inv struct {
		LocationID uuid.UUID `json:"location_id"`
	}
	decodeData(t, resp, &inv)
	if inv.LocationID != f.locID {
		t.Fatalf("invitation location = %s, want %s", inv.LocationID, f.locID)
	}

	// Confirm activates.
	resp = f.request(t, user, http.MethodPost, "/api/v1/memberships/"+f.locID.String()+"/confirm", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("confirm status = %d, want 204", resp.StatusCode)
	}

	// The roster eventually contains the member.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp = f.request(t, user, http.MethodGet, "/api/v1/locations/"+f.locID.String()+"/roster", nil)
		var roster []models.RosterEntry
		decodeData(t, resp, &roster)
		if len(roster) == 1 && roster[0].UserID == user.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("roster = %v, want [%s]", roster, user.ID)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Leave deactivates.
	resp = f.request(t, user, http.MethodPost, "/api/v1/memberships/"+f.locID.String()+"/leave", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("leave status = %d, want 204", resp.StatusCode)
	}
}

func TestPosition_RejectsStaleFix(t *testing.T) {
	f := newFixture(t)
	fix := insideFix()
	fix["timestamp"] = time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)

	resp := f.request(t, patron("bo"), http.MethodPost, "/api/v1/position", fix)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	f := newFixture(t)
	user := patron("cal")
	f.activate(t, user)

	resp := f.request(t, user, http.MethodPost, "/api/v1/messages", map[string]string{"body": "hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d, want 201", resp.StatusCode)
	}
	var msg models.Message
	decodeData(t, resp, &msg)
	if msg.Seq <= 0 {
		t.Errorf("seq = %d, want > 0", msg.Seq)
	}

	resp = f.request(t, user, http.MethodGet, "/api/v1/messages?after_seq=0", nil)
	var feed []struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	decodeData(t, resp, &feed)
	if len(feed) != 1 || feed[0].Type != string(events.KindMessage) {
		t.Fatalf("feed = %v, want one message envelope", feed)
	}

	// React via REST.
	resp = f.request(t, user, http.MethodPost, "/api/v1/reactions", map[string]any{
		"message_id": msg.ID, "emoji": "👍",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("react status = %d, want 200", resp.StatusCode)
	}
	var toggled map[string]bool
	decodeData(t, resp, &toggled)
	if !toggled["added"] {
		t.Error("added = false on first toggle")
	}
}

// activate makes the user an active member through the public API.
func (f *fixture) activate(t *testing.T, user *models.User) {
	t.Helper()
	resp := f.request(t, user, http.MethodPost, "/api/v1/position", insideFix())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position status = %d", resp.StatusCode)
	}
	resp = f.request(t, user, http.MethodPost, "/api/v1/memberships/"+f.locID.String()+"/confirm", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("confirm status = %d", resp.StatusCode)
	}
}

func TestModerationRequiresRole(t *testing.T) {
	f := newFixture(t)
	target := patron("dee")
	f.activate(t, target)

	ban := map[string]any{"user_id": target.ID, "location_id": f.locID}

	resp := f.request(t, patron("eli"), http.MethodPost, "/api/v1/moderation/bans", ban)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("patron ban status = %d, want 403", resp.StatusCode)
	}

	moderator := &models.User{ID: uuid.New(), DisplayName: "mod", Role: models.RoleModerator}
	resp = f.request(t, moderator, http.MethodPost, "/api/v1/moderation/bans", ban)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("moderator ban status = %d, want 204", resp.StatusCode)
	}
}

func TestUpsertLocationRequiresStaff(t *testing.T) {
	f := newFixture(t)
	loc := map[string]any{
		"name": "North End Cafe", "latitude": 42.6, "longitude": -70.9, "radius_miles": 0.1,
	}

	resp := f.request(t, patron("fay"), http.MethodPut, "/api/v1/locations", loc)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("patron upsert status = %d, want 403", resp.StatusCode)
	}

	staff := &models.User{ID: uuid.New(), DisplayName: "gus", Role: models.RoleStaff}
	resp = f.request(t, staff, http.MethodPut, "/api/v1/locations", loc)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("staff upsert status = %d, want 201", resp.StatusCode)
	}
}

func TestGetLocation(t *testing.T) {
	f := newFixture(t)
	user := patron("ana")

	resp := f.request(t, user, http.MethodGet, "/api/v1/locations/"+f.locID.String(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var loc models.Location
	decodeData(t, resp, &loc)
	if loc.ID != f.locID {
		t.Errorf("location ID = %s, want %s", loc.ID, f.locID)
	}
	if loc.Name != "Harborside Tavern" {
		t.Errorf("location name = %q", loc.Name)
	}

	resp = f.request(t, user, http.MethodGet, "/api/v1/locations/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown location", resp.StatusCode)
	}
}

func TestBlockSelfRejected(t *testing.T) {
	f := newFixture(t)
	user := patron("hal")
	resp := f.request(t, user, http.MethodPost, "/api/v1/blocks", map[string]any{"blocked_id": user.ID})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestReportFlow(t *testing.T) {
	f := newFixture(t)
	sender := patron("ida")
	f.activate(t, sender)

	resp := f.request(t, sender, http.MethodPost, "/api/v1/messages", map[string]string{"body": "spam"})
	var msg models.Message
	decodeData(t, resp, &msg)

	reporter := patron("jay")
	resp = f.request(t, reporter, http.MethodPost, "/api/v1/reports", map[string]any{
		"message_id": msg.ID, "reason": "unsolicited advertising",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("report status = %d, want 201", resp.StatusCode)
	}

	// Moderator takedown hides the message from the feed.
	moderator := &models.User{ID: uuid.New(), DisplayName: "mod", Role: models.RoleModerator}
	resp = f.request(t, moderator, http.MethodDelete, fmt.Sprintf("/api/v1/moderation/messages/%s", msg.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("takedown status = %d, want 204", resp.StatusCode)
	}
	resp = f.request(t, sender, http.MethodGet, "/api/v1/messages", nil)
	var feed []json.RawMessage
	decodeData(t, resp, &feed)
	if len(feed) != 0 {
		t.Errorf("feed has %d entries after takedown, want 0", len(feed))
	}
}
