// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package session manages per-client connection sessions: the bounded
// event queue feeding each transport, reconnect with backfill, and the
// periodic reconciliation sweep.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/models"
)

// State is a session's lifecycle phase.
type State int32

const (
	// StateConnecting covers registration up to the initial snapshot
	// and backfill being queued.
	StateConnecting State = iota
	// StateConnected means the transport is live.
	StateConnected
	// StateReconnecting means the transport dropped; the session is
	// resumable until the reconnect window expires.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client connection's server-side state. Events flow in via
// the manager's fan-out and out via Events(); the queue is bounded, and a
// session that cannot drain it is disconnected rather than allowed to
// stall fan-out for everyone else.
type Session struct {
	id         uuid.UUID
	user       *models.User
	locationID uuid.UUID

	queue chan events.Event
	done  chan struct{}

	mu           sync.Mutex
	state        State
	cancelRoster func()

	// priming is true while the snapshot and backfill are being queued.
	// Live deliveries arriving in that window are parked in pending and
	// flushed behind the backfill; a duplicate across the boundary is
	// absorbed by client-side de-dup on message ID.
	priming bool
	pending []events.Event

	// blocked is the viewer's current block set, used to filter roster
	// deltas. It is seeded at connect and refreshed when the viewer's
	// blocks change mid-session.
	blocked map[uuid.UUID]bool

	cursor atomic.Int64

	// opened flips once presence accounting has seen this session, so a
	// teardown never decrements what was not incremented.
	opened atomic.Bool
}

func newSession(id uuid.UUID, user *models.User, locationID uuid.UUID, queueSize int) *Session {
	return &Session{
		id:         id,
		user:       user,
		locationID: locationID,
		queue:      make(chan events.Event, queueSize),
		done:       make(chan struct{}),
		priming:    true,
	}
}

// ID identifies the session across reconnects.
func (s *Session) ID() uuid.UUID { return s.id }

// User returns the authenticated session owner.
func (s *Session) User() *models.User { return s.user }

// LocationID is the pack this session is attached to.
func (s *Session) LocationID() uuid.UUID { return s.locationID }

// Events is the outbound event stream the transport drains.
func (s *Session) Events() <-chan events.Event { return s.queue }

// Done is closed when the session leaves the connected state. The
// transport uses it to stop its write loop.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ack records the highest message sequence the client has processed.
// Resume uses the client-supplied cursor, so this is advisory telemetry.
func (s *Session) Ack(seq int64) {
	for {
		cur := s.cursor.Load()
		if seq <= cur || s.cursor.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Cursor returns the highest acknowledged message sequence.
func (s *Session) Cursor() int64 { return s.cursor.Load() }

// push enqueues an event without blocking. While the session is priming,
// the event is parked in pending instead. It reports false when the queue
// or the pending buffer is full, which the manager treats as a slow
// consumer.
func (s *Session) push(ev events.Event) bool {
	select {
	case <-s.done:
		return true // already detached, drop silently
	default:
	}
	s.mu.Lock()
	if s.priming {
		if len(s.pending) >= cap(s.queue) {
			s.mu.Unlock()
			return false
		}
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// prime enqueues directly onto the queue, bypassing the pending buffer.
// Only the snapshot and backfill use it, before flushPending.
func (s *Session) prime(ev events.Event) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

// flushPending drains events parked during priming into the queue and
// switches the session to direct delivery. It reports false when the
// queue cannot absorb them.
func (s *Session) flushPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.pending {
		select {
		case s.queue <- ev:
		default:
			return false
		}
	}
	s.pending = nil
	s.priming = false
	return true
}

// setBlocked replaces the viewer's block set. The map must not be mutated
// after the call.
func (s *Session) setBlocked(blocked map[uuid.UUID]bool) {
	s.mu.Lock()
	s.blocked = blocked
	s.mu.Unlock()
}

// filteredRosterDelta applies the viewer's block set to a delta. It
// returns false when the delta is entirely about a blocked user.
func (s *Session) filteredRosterDelta(d events.RosterDelta) (events.RosterDelta, bool) {
	s.mu.Lock()
	blocked := s.blocked
	s.mu.Unlock()
	if len(blocked) == 0 {
		return d, true
	}
	if d.Entry != nil && blocked[d.Entry.UserID] {
		return events.RosterDelta{}, false
	}
	if len(d.Roster) > 0 {
		kept := make([]models.RosterEntry, 0, len(d.Roster))
		for _, e := range d.Roster {
			if !blocked[e.UserID] {
				kept = append(kept, e)
			}
		}
		d.Roster = kept
	}
	return d, true
}

// detach moves the session out of the connected state, stopping the roster
// subscription and waking the transport. Idempotent.
func (s *Session) detach(terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return
	case StateReconnecting:
		// done already closed on the first detach.
		if terminal {
			s.state = StateClosed
		}
		return
	}
	if s.cancelRoster != nil {
		s.cancelRoster()
		s.cancelRoster = nil
	}
	close(s.done)
	if terminal {
		s.state = StateClosed
	} else {
		s.state = StateReconnecting
	}
}

// setConnected completes the open. It reports false when the session was
// detached while priming (slow consumer during setup); a detached session
// must not be revived here.
func (s *Session) setConnected(cancelRoster func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateConnected
	s.cancelRoster = cancelRoster
	s.opened.Store(true)
	return true
}
