// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package identity authenticates requests. Venuepack does not own user
// accounts: an upstream identity provider issues JWTs carrying the user ID,
// display name, and role, and this package verifies them and exposes the
// caller as a models.User on the request context.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/models"
)

var (
	// ErrNoCredentials means the request carried no usable token.
	ErrNoCredentials = errors.New("no credentials")
	// ErrInvalidToken covers signature, expiry, and claim failures.
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey struct{}

// UserFrom extracts the authenticated user from a request context. The
// second return is false on unauthenticated contexts.
func UserFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*models.User)
	return u, ok
}

// WithUser returns a context carrying the user. Exposed for tests and the
// websocket handshake.
func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// claims is the token payload venuepack expects from the identity
// provider.
type claims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name"`
	AvatarRef   string `json:"avatar,omitempty"`
	Role        string `json:"role"`
}

// Verifier validates bearer tokens. An empty secret enables dev mode,
// where identity comes from plain headers; never run dev mode in
// production.
type Verifier struct {
	secret  []byte
	devMode bool
}

// NewVerifier builds a verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), devMode: secret == ""}
}

// DevMode reports whether header-based identity is active.
func (v *Verifier) DevMode() bool { return v.devMode }

// Authenticate resolves the user from an HTTP request. Tokens are read
// from the Authorization header, falling back to the access_token query
// parameter for websocket handshakes (browsers cannot set headers there).
func (v *Verifier) Authenticate(r *http.Request) (*models.User, error) {
	if v.devMode {
		return v.devUser(r)
	}
	token := bearerToken(r)
	if token == "" {
		return nil, ErrNoCredentials
	}
	return v.verify(token)
}

func (v *Verifier) verify(raw string) (*models.User, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user ID", ErrInvalidToken)
	}
	role := models.Role(c.Role)
	switch role {
	case models.RolePatron, models.RoleStaff, models.RoleModerator:
	case "":
		role = models.RolePatron
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return &models.User{
		ID:          id,
		DisplayName: c.DisplayName,
		AvatarRef:   c.AvatarRef,
		Role:        role,
	}, nil
}

// devUser builds an identity from headers. X-User-ID is required; name and
// role are optional.
func (v *Verifier) devUser(r *http.Request) (*models.User, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	if raw == "" {
		return nil, ErrNoCredentials
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad X-User-ID", ErrInvalidToken)
	}
	name := r.Header.Get("X-Display-Name")
	if name == "" {
		name = "dev-" + raw[:8]
	}
	role := models.Role(r.Header.Get("X-Role"))
	if role == "" {
		role = models.RolePatron
	}
	return &models.User{ID: id, DisplayName: name, Role: role}, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// Middleware rejects unauthenticated requests with 401 and stores the user
// on the context for handlers downstream.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="venuepack"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
