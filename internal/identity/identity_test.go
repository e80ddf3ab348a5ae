// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package identity

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, c claims, secret string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

func validClaims(userID uuid.UUID) claims {
	return claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		DisplayName: "ana",
		Role:        "patron",
	}
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/roster", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticate_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	userID := uuid.New()

	user, err := v.Authenticate(request(signToken(t, validClaims(userID), testSecret)))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.ID != userID {
		t.Errorf("ID = %s, want %s", user.ID, userID)
	}
	if user.DisplayName != "ana" || user.Role != models.RolePatron {
		t.Errorf("user = %+v, want ana/patron", user)
	}
}

func TestAuthenticate_QueryToken(t *testing.T) {
	v := NewVerifier(testSecret)
	userID := uuid.New()
	token := signToken(t, validClaims(userID), testSecret)

	r := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	user, err := v.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.ID != userID {
		t.Errorf("ID = %s, want %s", user.ID, userID)
	}
}

func TestAuthenticate_Rejections(t *testing.T) {
	v := NewVerifier(testSecret)
	userID := uuid.New()

	expired := validClaims(userID)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	badRole := validClaims(userID)
	badRole.Role = "admin"

	badSubject := validClaims(userID)
	badSubject.Subject = "not-a-uuid"

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"no token", "", ErrNoCredentials},
		{"wrong secret", signToken(t, validClaims(userID), "other"), ErrInvalidToken},
		{"expired", signToken(t, expired, testSecret), ErrInvalidToken},
		{"unknown role", signToken(t, badRole, testSecret), ErrInvalidToken},
		{"bad subject", signToken(t, badSubject, testSecret), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Authenticate(request(tt.token)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDevMode(t *testing.T) {
	v := NewVerifier("")
	if !v.DevMode() {
		t.Fatal("DevMode() = false with empty secret")
	}
	userID := uuid.New()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-User-ID", userID.String())
	r.Header.Set("X-Display-Name", "bo")
	r.Header.Set("X-Role", "staff")

	user, err := v.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.ID != userID || user.DisplayName != "bo" || user.Role != models.RoleStaff {
		t.Errorf("user = %+v", user)
	}

	if _, err := v.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Authenticate() without headers error = %v, want ErrNoCredentials", err)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier(testSecret)
	userID := uuid.New()

	var seen *models.User
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request(signToken(t, validClaims(userID), testSecret)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.ID != userID {
		t.Errorf("context user = %+v, want %s", seen, userID)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request(""))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
