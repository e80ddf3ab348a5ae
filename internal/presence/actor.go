// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package presence

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/metrics"
	"github.com/venuepack/venuepack/internal/models"
)

// subscriberBuffer is the per-subscriber delta channel capacity. A
// subscriber that falls this far behind misses deltas and relies on the
// reconciliation snapshot to catch up.
const subscriberBuffer = 64

// locationActor owns one location's roster. All mutations are funneled
// through its queue and applied by a single goroutine, which assigns the
// location's logical clock. Membership events and session open/close
// events arrive from different components, but subscribers observe one
// total order per location.
type locationActor struct {
	locationID uuid.UUID
	queue      chan func()
	done       chan struct{}

	// qmu serializes sends against stop's close of the queue.
	qmu     sync.Mutex
	stopped bool

	// State below is written only by the run goroutine. The mutex allows
	// consistent reads (GetRoster, Subscribe snapshot) without queueing.
	mu      sync.RWMutex
	members map[uuid.UUID]models.RosterEntry
	seq     uint64
	subs    map[uint64]chan events.RosterDelta
	nextSub uint64
}

func newLocationActor(locationID uuid.UUID) *locationActor {
	a := &locationActor{
		locationID: locationID,
		queue:      make(chan func(), 128),
		done:       make(chan struct{}),
		members:    make(map[uuid.UUID]models.RosterEntry),
		subs:       make(map[uint64]chan events.RosterDelta),
	}
	go a.run()
	return a
}

// run applies queued operations in arrival order until the queue closes.
func (a *locationActor) run() {
	defer close(a.done)
	for op := range a.queue {
		op()
	}
}

// enqueue submits an operation to the actor, or drops it after stop.
// Blocks if the queue is full: roster mutations are low-rate and must
// not be dropped while running. The qmu guard keeps the send from racing
// stop's close of the queue.
func (a *locationActor) enqueue(op func()) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if a.stopped {
		return
	}
	a.queue <- op
}

func (a *locationActor) stop() {
	a.qmu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.queue)
	}
	a.qmu.Unlock()
	<-a.done
}

// applyChange mutates the roster and publishes the resulting delta. Must
// run on the actor goroutine.
func (a *locationActor) applyChange(change events.RosterChange, entry models.RosterEntry) {
	a.mu.Lock()
	switch change {
	case events.RosterJoined:
		a.members[entry.UserID] = entry
	case events.RosterLeft:
		delete(a.members, entry.UserID)
	case events.RosterOnline, events.RosterOffline:
		existing, ok := a.members[entry.UserID]
		if !ok {
			a.mu.Unlock()
			return
		}
		existing.Online = change == events.RosterOnline
		a.members[entry.UserID] = existing
		entry = existing
	}
	a.seq++
	delta := events.RosterDelta{
		LocationID: a.locationID,
		Seq:        a.seq,
		Change:     change,
		Entry:      &entry,
		OccurredAt: time.Now().UTC(),
	}
	size := len(a.members)
	a.mu.Unlock()

	metrics.RosterSize.WithLabelValues(a.locationID.String()).Set(float64(size))
	metrics.RosterDeltas.WithLabelValues(string(change)).Inc()
	a.broadcast(delta)
}

// broadcast pushes a delta to every subscriber without blocking. A full
// subscriber channel drops the delta; the reconciliation snapshot is the
// safety net for the gap.
func (a *locationActor) broadcast(delta events.RosterDelta) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, ch := range a.subs {
		select {
		case ch <- delta:
		default:
			logging.Warn().
				Str("location_id", a.locationID.String()).
				Str("subscriber", strconv.FormatUint(id, 10)).
				Uint64("seq", delta.Seq).
				Msg("roster subscriber lagging, delta dropped")
		}
	}
}

// roster returns the members sorted by join time for stable output.
func (a *locationActor) roster() []models.RosterEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rosterLocked()
}

func (a *locationActor) rosterLocked() []models.RosterEntry {
	out := make([]models.RosterEntry, 0, len(a.members))
	for _, e := range a.members {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// subscribe registers a delta channel and returns it with the snapshot
// taken under the same lock, so the subscriber sees every delta with
// Seq greater than the snapshot's.
func (a *locationActor) subscribe() (events.RosterDelta, <-chan events.RosterDelta, func()) {
	ch := make(chan events.RosterDelta, subscriberBuffer)
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	snap := events.RosterDelta{
		LocationID: a.locationID,
		Seq:        a.seq,
		Change:     events.RosterSnapshot,
		Roster:     a.rosterLocked(),
		OccurredAt: time.Now().UTC(),
	}
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
	return snap, ch, cancel
}
