// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package ws

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/identity"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/membership"
	"github.com/venuepack/venuepack/internal/session"
)

// Handler upgrades authenticated requests to websocket sessions.
//
// Query parameters: after_seq resumes message delivery after the given
// cursor; session_id resumes an existing session within the reconnect
// window; attempt counts consecutive failed connects and sizes the
// Retry-After advertised on rejections. A resume for an expired session
// fails with 410 and the client must reconnect fresh (the server cannot
// know what it missed).
type Handler struct {
	sessions   *session.Manager
	chat       *chat.Store
	membership *membership.Manager
	upgrader   websocket.Upgrader
}

// NewHandler wires the websocket endpoint. checkOrigin nil allows all
// origins; the API layer passes the configured CORS check.
func NewHandler(sm *session.Manager, store *chat.Store, mm *membership.Manager, checkOrigin func(r *http.Request) bool) *Handler {
	return &Handler{
		sessions:   sm,
		chat:       store,
		membership: mm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	afterSeq, _ := strconv.ParseInt(q.Get("after_seq"), 10, 64)
	attempt, _ := strconv.Atoi(q.Get("attempt"))

	// Establish the session before upgrading so failures surface as
	// proper HTTP status codes.
	var (
		s   *session.Session
		err error
	)
	if raw := q.Get("session_id"); raw != "" {
		sessionID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			http.Error(w, "bad session_id", http.StatusBadRequest)
			return
		}
		s, err = h.sessions.Resume(r.Context(), sessionID, user, afterSeq)
		if errors.Is(err, session.ErrUnknownSession) {
			h.setRetryAfter(w, attempt)
			http.Error(w, "session expired", http.StatusGone)
			return
		}
	} else {
		s, err = h.sessions.Connect(r.Context(), user, afterSeq)
	}
	if errors.Is(err, session.ErrNoActiveMembership) {
		h.setRetryAfter(w, attempt)
		http.Error(w, "no active membership", http.StatusForbidden)
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("user_id", user.ID.String()).Msg("Session setup failed")
		h.setRetryAfter(w, attempt)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, http.Header{
		"X-Session-ID": []string{s.ID().String()},
	})
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.sessions.Disconnect(s)
		return
	}
	newClient(h, conn, s).start()
}

// setRetryAfter advertises the jittered reconnect delay for the given
// attempt, rounded up to whole seconds as the header requires.
func (h *Handler) setRetryAfter(w http.ResponseWriter, attempt int) {
	d := h.sessions.Backoff(attempt)
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
