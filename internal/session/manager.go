// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/metrics"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/moderation"
	"github.com/venuepack/venuepack/internal/presence"
)

var (
	// ErrNoActiveMembership rejects a connect from a user who is not an
	// active member anywhere.
	ErrNoActiveMembership = errors.New("no active membership")
	// ErrUnknownSession rejects a resume for a session that is not in
	// the reconnecting state (wrong ID, wrong user, or already closed).
	ErrUnknownSession = errors.New("unknown or expired session")
)

// backfillLimit bounds one backfill batch. A client further behind than
// this catches up over multiple reconnect cycles.
const backfillLimit = 500

// detached is a resumable session waiting for its client to come back.
type detached struct {
	userID     uuid.UUID
	locationID uuid.UUID
	since      time.Time
}

// Manager owns all live and resumable sessions. It is the chat store's
// Deliverer and the membership manager's SessionCloser.
type Manager struct {
	cfg      config.SessionConfig
	db       *database.DB
	presence *presence.Registry
	chat     *chat.Store
	gate     *moderation.Gate

	mu       sync.Mutex
	live     map[uuid.UUID]map[uuid.UUID]*Session // userID -> sessionID -> session
	detached map[uuid.UUID]detached               // sessionID -> resumable state
}

// NewManager wires the session layer.
func NewManager(db *database.DB, reg *presence.Registry, store *chat.Store, gate *moderation.Gate, cfg config.SessionConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		db:       db,
		presence: reg,
		chat:     store,
		gate:     gate,
		live:     make(map[uuid.UUID]map[uuid.UUID]*Session),
		detached: make(map[uuid.UUID]detached),
	}
}

// Connect opens a fresh session for an active member. The session's queue
// is primed with a roster snapshot followed by the backfill from afterSeq,
// then live events flow; the client sees snapshot, catch-up, live, in that
// order.
func (m *Manager) Connect(ctx context.Context, user *models.User, afterSeq int64) (*Session, error) {
	locationID, err := m.activeLocation(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s := newSession(uuid.New(), user, locationID, m.cfg.QueueSize)
	if err := m.open(ctx, s, afterSeq); err != nil {
		return nil, err
	}
	logging.Info().
		Str("session_id", s.id.String()).
		Str("user_id", user.ID.String()).
		Str("location_id", locationID.String()).
		Msg("Session connected")
	return s, nil
}

// Resume revives a dropped session within the reconnect window. The client
// supplies the highest message sequence it processed; everything after it
// is backfilled. Outside the window (or for an unknown ID) the client must
// Connect fresh.
func (m *Manager) Resume(ctx context.Context, sessionID uuid.UUID, user *models.User, afterSeq int64) (*Session, error) {
	m.mu.Lock()
	d, ok := m.detached[sessionID]
	if ok {
		delete(m.detached, sessionID)
	}
	m.mu.Unlock()
	if !ok || d.userID != user.ID || time.Since(d.since) > m.cfg.MaxReconnectWindow {
		return nil, ErrUnknownSession
	}

	// Membership may have lapsed while disconnected.
	locationID, err := m.activeLocation(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	s := newSession(sessionID, user, locationID, m.cfg.QueueSize)
	if err := m.open(ctx, s, afterSeq); err != nil {
		return nil, err
	}
	metrics.SessionReconnects.Inc()
	logging.Info().
		Str("session_id", sessionID.String()).
		Str("user_id", user.ID.String()).
		Msg("Session resumed")
	return s, nil
}

// activeLocation resolves the user's current pack, preferring the
// in-memory registry and falling back to the store.
func (m *Manager) activeLocation(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	if locationID, ok := m.presence.ActiveLocation(userID); ok {
		return locationID, nil
	}
	mem, err := m.db.GetActiveMembershipForUser(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return uuid.Nil, ErrNoActiveMembership
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("connect: %w", err)
	}
	return mem.LocationID, nil
}

// open registers the session and primes its queue: blocked set, roster
// snapshot, backfill, then the live roster forwarder. Registration
// happens before the backfill query so a message committed while the
// query runs is delivered live (parked on the priming buffer) instead of
// falling into the gap between the query result and fan-out.
func (m *Manager) open(ctx context.Context, s *Session, afterSeq int64) error {
	blocked, err := m.gate.BlockedSet(ctx, s.user.ID)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.setBlocked(blocked)

	m.register(s)

	snap, deltas, cancel := m.presence.Subscribe(s.locationID)
	if filtered, ok := s.filteredRosterDelta(snap); ok {
		s.prime(filtered)
	}

	backfill, err := m.chat.Backfill(ctx, s.user.ID, s.locationID, afterSeq, backfillLimit)
	if err != nil {
		cancel()
		m.dropRegistration(s)
		return err
	}
	for _, ev := range backfill {
		if !s.prime(ev) {
			cancel()
			m.dropRegistration(s)
			return fmt.Errorf("connect: backfill overflows session queue")
		}
	}
	if !s.flushPending() {
		cancel()
		m.dropRegistration(s)
		return fmt.Errorf("connect: backfill overflows session queue")
	}

	if !s.setConnected(cancel) {
		// Detached while priming; Disconnect already unregistered it.
		cancel()
		return fmt.Errorf("connect: session disconnected during setup")
	}
	m.presence.OnSessionOpen(s.user.ID)
	metrics.OpenSessions.Inc()

	go m.forwardRoster(s, deltas)
	return nil
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	userSessions, ok := m.live[s.user.ID]
	if !ok {
		userSessions = make(map[uuid.UUID]*Session)
		m.live[s.user.ID] = userSessions
	}
	userSessions[s.id] = s
	m.mu.Unlock()
}

// dropRegistration undoes register for a session that failed to open.
// Presence accounting never saw it, so unregister does not apply.
func (m *Manager) dropRegistration(s *Session) {
	m.mu.Lock()
	if userSessions, ok := m.live[s.user.ID]; ok {
		delete(userSessions, s.id)
		if len(userSessions) == 0 {
			delete(m.live, s.user.ID)
		}
	}
	m.mu.Unlock()
}

// forwardRoster pushes filtered roster deltas into the session queue until
// the session detaches or the subscription is cancelled upstream.
func (m *Manager) forwardRoster(s *Session, deltas <-chan events.RosterDelta) {
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			filtered, keep := s.filteredRosterDelta(d)
			if !keep {
				continue
			}
			if !s.push(filtered) {
				m.slowConsumer(s)
				return
			}
		}
	}
}

// Deliver implements chat.Deliverer: the event lands on every live session
// of the user. A session that cannot absorb it is a slow consumer and gets
// disconnected; it resumes later and backfills what it missed.
func (m *Manager) Deliver(userID uuid.UUID, ev events.Event) {
	for _, s := range m.sessionsOf(userID) {
		if !s.push(ev) {
			m.slowConsumer(s)
		}
	}
}

func (m *Manager) sessionsOf(userID uuid.UUID) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.live[userID]))
	for _, s := range m.live[userID] {
		out = append(out, s)
	}
	return out
}

func (m *Manager) slowConsumer(s *Session) {
	metrics.SlowConsumerDisconnects.Inc()
	logging.Warn().
		Str("session_id", s.id.String()).
		Str("user_id", s.user.ID.String()).
		Msg("Disconnecting slow consumer")
	m.Disconnect(s)
}

// Disconnect drops the transport but keeps the session resumable for the
// reconnect window. Called by the websocket layer on read errors and by
// slow-consumer handling.
func (m *Manager) Disconnect(s *Session) {
	if !m.unregister(s) {
		return
	}
	s.detach(false)
	m.mu.Lock()
	m.detached[s.id] = detached{userID: s.user.ID, locationID: s.locationID, since: time.Now().UTC()}
	m.mu.Unlock()
}

// Close terminates a session with no resume.
func (m *Manager) Close(s *Session) {
	if m.unregister(s) {
		s.detach(true)
	}
}

// unregister removes a live session and updates presence accounting. It
// reports false when the session was not live (double disconnect).
func (m *Manager) unregister(s *Session) bool {
	m.mu.Lock()
	userSessions, ok := m.live[s.user.ID]
	if ok {
		_, ok = userSessions[s.id]
	}
	if ok {
		delete(userSessions, s.id)
		if len(userSessions) == 0 {
			delete(m.live, s.user.ID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if s.opened.Load() {
		m.presence.OnSessionClose(s.user.ID)
		metrics.OpenSessions.Dec()
	}
	return true
}

// CloseForBan implements membership.SessionCloser: the banned user's
// sessions at the location get a banned event and are closed terminally.
// Their resumable sessions at the location are purged too.
func (m *Manager) CloseForBan(userID, locationID uuid.UUID) {
	now := time.Now().UTC()
	for _, s := range m.sessionsOf(userID) {
		if s.locationID != locationID {
			continue
		}
		s.push(events.BannedEvent{UserID: userID, LocationID: locationID, OccurredAt: now})
		m.Close(s)
	}
	m.mu.Lock()
	for id, d := range m.detached {
		if d.userID == userID && d.locationID == locationID {
			delete(m.detached, id)
		}
	}
	m.mu.Unlock()
}

// OnBlockChange refreshes the roster filter of both users' live sessions
// after a block or unblock, so the change applies without a reconnect.
func (m *Manager) OnBlockChange(blockerID, blockedID uuid.UUID) {
	ctx := context.Background()
	for _, userID := range []uuid.UUID{blockerID, blockedID} {
		sessions := m.sessionsOf(userID)
		if len(sessions) == 0 {
			continue
		}
		blocked, err := m.gate.BlockedSet(ctx, userID)
		if err != nil {
			logging.Warn().Err(err).
				Str("user_id", userID.String()).
				Msg("Failed to refresh session block set")
			continue
		}
		for _, s := range sessions {
			s.setBlocked(blocked)
		}
	}
}

// Backoff returns the client-advertised reconnect delay for the given
// attempt: full jitter over an exponentially growing window, capped.
func (m *Manager) Backoff(attempt int) time.Duration {
	ceiling := m.cfg.BackoffCap
	if attempt < 63 {
		window := m.cfg.BackoffBase << uint(attempt)
		if window > 0 && window < ceiling {
			ceiling = window
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// Run drives the periodic sweep: expired resumable sessions are purged and
// the presence registry is reconciled against the membership store.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.expireDetached()
			m.presence.Reconcile(ctx, m.db)
		}
	}
}

func (m *Manager) expireDetached() {
	cutoff := time.Now().UTC().Add(-m.cfg.MaxReconnectWindow)
	m.mu.Lock()
	for id, d := range m.detached {
		if d.since.Before(cutoff) {
			delete(m.detached, id)
		}
	}
	m.mu.Unlock()
}

// Shutdown closes every live session, for server stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*Session
	for _, userSessions := range m.live {
		for _, s := range userSessions {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		m.Close(s)
	}
}
