// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package chat is the message pipeline: durable append, ordered fan-out,
// reaction toggles, typing relay, and reconnect backfill.
//
// OBSERVABLE ORDER: all recipients of a thread see its messages in the same
// order. The store serializes append+fan-out per thread (a location's group
// channel, or a private pair), and the store-assigned Seq doubles as the
// backfill cursor, so live delivery and backfill agree on ordering.
//
// Delivery is at-least-once: a reconnecting client may see the tail of the
// stream twice and de-duplicates by message ID.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/venuepack/venuepack/internal/config"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/metrics"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/presence"
)

// Send and react rejections. Each maps to a distinct client error code.
var (
	// ErrEmptyBody rejects messages with no visible content.
	ErrEmptyBody = errors.New("message body empty")
	// ErrMessageTooLong rejects bodies above chat.max_message_chars.
	ErrMessageTooLong = errors.New("message body too long")
	// ErrRateLimited rejects sends above the per-sender rate limit.
	ErrRateLimited = errors.New("message rate limit exceeded")
	// ErrSenderNotMember rejects group sends from users without an
	// active membership at the target location.
	ErrSenderNotMember = errors.New("sender not an active member")
	// ErrBlocked rejects private interaction between users with a block
	// in either direction.
	ErrBlocked = errors.New("interaction blocked")
	// ErrReplyNotFound rejects replies to unknown messages.
	ErrReplyNotFound = errors.New("reply target not found")
	// ErrUnavailable means the durable append failed after retries or
	// the append breaker is open. The message was not stored; the
	// sender should retry later.
	ErrUnavailable = errors.New("message store unavailable")
)

// threadStripes sizes the per-thread lock table used to serialize
// append+fan-out.
const threadStripes = 128

// Deliverer pushes an event onto every open session of a user. Implemented
// by the session manager and attached after construction.
type Deliverer interface {
	Deliver(userID uuid.UUID, ev events.Event)
}

// nopDeliverer drops events until a real deliverer is attached.
type nopDeliverer struct{}

func (nopDeliverer) Deliver(uuid.UUID, events.Event) {}

// ActivityToucher refreshes membership activity on group sends, keeping
// the sender clear of the idle sweep. Implemented by the membership
// manager and attached after construction, which keeps all membership
// writes behind its per-user locks.
type ActivityToucher interface {
	Touch(ctx context.Context, userID, locationID uuid.UUID)
}

// SendInput is one message submission.
type SendInput struct {
	Visibility  models.Visibility
	LocationID  uuid.UUID
	RecipientID uuid.UUID
	Body        string
	ReplyTo     *uuid.UUID
}

// Store owns the message pipeline for all threads.
type Store struct {
	db       *database.DB
	cfg      config.ChatConfig
	presence *presence.Registry
	pub      events.DomainPublisher
	breaker  *gobreaker.CircuitBreaker[models.Message]

	mu        sync.Mutex
	deliverer Deliverer
	toucher   ActivityToucher

	locks [threadStripes]sync.Mutex

	limitMu  sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// NewStore wires the message pipeline. The deliverer defaults to a no-op
// until SetDeliverer attaches the session layer.
func NewStore(db *database.DB, reg *presence.Registry, pub events.DomainPublisher, cfg config.ChatConfig) *Store {
	breaker := gobreaker.NewCircuitBreaker[models.Message](gobreaker.Settings{
		Name:    "message-append",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Append breaker state changed")
		},
	})
	return &Store{
		db:        db,
		cfg:       cfg,
		presence:  reg,
		pub:       pub,
		breaker:   breaker,
		deliverer: nopDeliverer{},
		limiters:  make(map[uuid.UUID]*rate.Limiter),
	}
}

// SetDeliverer attaches the session layer used for fan-out.
func (s *Store) SetDeliverer(d Deliverer) {
	s.mu.Lock()
	s.deliverer = d
	s.mu.Unlock()
}

// SetActivityToucher attaches the membership layer's activity refresh.
func (s *Store) SetActivityToucher(t ActivityToucher) {
	s.mu.Lock()
	s.toucher = t
	s.mu.Unlock()
}

// touchActivity routes the sender's activity refresh through the
// membership layer when attached, falling back to a direct store write.
func (s *Store) touchActivity(ctx context.Context, userID, locationID uuid.UUID, at time.Time) {
	s.mu.Lock()
	t := s.toucher
	s.mu.Unlock()
	if t != nil {
		t.Touch(ctx, userID, locationID)
		return
	}
	if err := s.db.TouchMembership(ctx, userID, locationID, at); err != nil {
		logging.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to refresh membership activity")
	}
}

func (s *Store) deliver(userID uuid.UUID, ev events.Event) {
	s.mu.Lock()
	d := s.deliverer
	s.mu.Unlock()
	d.Deliver(userID, ev)
	metrics.FanoutDelivered.Inc()
}

// threadLock returns the stripe serializing one thread. Group threads key
// on the location; private threads key on the unordered user pair, so both
// directions of a conversation share a stripe.
func (s *Store) threadLock(in SendInput, senderID uuid.UUID) *sync.Mutex {
	var key byte
	if in.Visibility == models.VisibilityGroup {
		key = in.LocationID[0] ^ in.LocationID[1]
	} else {
		key = senderID[0] ^ senderID[1] ^ in.RecipientID[0] ^ in.RecipientID[1]
	}
	return &s.locks[int(key)%threadStripes]
}

// limiter returns the per-sender rate limiter, creating it on first use.
// The token bucket refills at rate_limit_messages per rate_limit_window
// with a burst of the full allowance.
func (s *Store) limiter(senderID uuid.UUID) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[senderID]
	if !ok {
		perSecond := float64(s.cfg.RateLimitMessages) / s.cfg.RateLimitWindow.Seconds()
		l = rate.NewLimiter(rate.Limit(perSecond), s.cfg.RateLimitMessages)
		s.limiters[senderID] = l
	}
	return l
}

// Send validates, durably appends, and fans out one message. The message is
// stored before any recipient sees it: a fan-out failure never loses an
// accepted message, only delays it until backfill.
func (s *Store) Send(ctx context.Context, sender *models.User, in SendInput) (models.Message, error) {
	if err := s.validateSend(ctx, sender, in); err != nil {
		return models.Message{}, err
	}
	if !s.limiter(sender.ID).Allow() {
		metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		return models.Message{}, ErrRateLimited
	}

	msg := models.Message{
		ID:         uuid.New(),
		Visibility: in.Visibility,
		SenderID:   sender.ID,
		Body:       in.Body,
		ReplyTo:    in.ReplyTo,
		CreatedAt:  time.Now().UTC(),
	}
	if in.Visibility == models.VisibilityGroup {
		msg.LocationID = in.LocationID
	} else {
		msg.RecipientID = in.RecipientID
	}

	lock := s.threadLock(in, sender.ID)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.append(ctx, msg)
	if err != nil {
		return models.Message{}, err
	}
	metrics.MessagesSent.WithLabelValues(string(in.Visibility)).Inc()

	s.fanout(ctx, stored, events.MessageEvent{Message: stored})

	if in.Visibility == models.VisibilityGroup {
		s.touchActivity(ctx, sender.ID, in.LocationID, stored.CreatedAt)
		s.publishSent(ctx, stored)
	}
	return stored, nil
}

func (s *Store) validateSend(ctx context.Context, sender *models.User, in SendInput) error {
	if in.Body == "" {
		metrics.MessagesRejected.WithLabelValues("empty").Inc()
		return ErrEmptyBody
	}
	if utf8.RuneCountInString(in.Body) > s.cfg.MaxMessageChars {
		metrics.MessagesRejected.WithLabelValues("too_long").Inc()
		return ErrMessageTooLong
	}

	switch in.Visibility {
	case models.VisibilityGroup:
		active, err := s.db.GetActiveMembershipForUser(ctx, sender.ID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && active.LocationID != in.LocationID) {
			metrics.MessagesRejected.WithLabelValues("not_member").Inc()
			return ErrSenderNotMember
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	case models.VisibilityPrivate:
		blocked, err := s.db.IsBlockedEither(ctx, sender.ID, in.RecipientID)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if blocked {
			metrics.MessagesRejected.WithLabelValues("blocked").Inc()
			return ErrBlocked
		}
	default:
		return fmt.Errorf("send: unknown visibility %q", in.Visibility)
	}

	if in.ReplyTo != nil {
		if _, err := s.db.GetMessage(ctx, *in.ReplyTo); errors.Is(err, database.ErrNotFound) {
			metrics.MessagesRejected.WithLabelValues("reply_not_found").Inc()
			return ErrReplyNotFound
		} else if err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return nil
}

// append runs the durable write behind the circuit breaker with bounded
// retries. Success means the row and its sequence number are on disk.
func (s *Store) append(ctx context.Context, msg models.Message) (models.Message, error) {
	stored, err := s.breaker.Execute(func() (models.Message, error) {
		var lastErr error
		for attempt := 0; attempt <= s.cfg.AppendRetryAttempts; attempt++ {
			if attempt > 0 {
				metrics.AppendRetries.Inc()
				select {
				case <-ctx.Done():
					return models.Message{}, ctx.Err()
				case <-time.After(s.cfg.AppendRetryDelay):
				}
			}
			m, err := s.db.AppendMessage(ctx, msg)
			if err == nil {
				return m, nil
			}
			lastErr = err
			logging.Warn().Err(err).Int("attempt", attempt+1).Msg("Message append failed")
		}
		return models.Message{}, lastErr
	})
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("unavailable").Inc()
		logging.Error().Err(err).Str("sender_id", msg.SenderID.String()).Msg("Message dropped: append unavailable")
		return models.Message{}, ErrUnavailable
	}
	return stored, nil
}

// fanout delivers an event to every session that should see the message:
// all online members of the location for group messages (minus blocks in
// either direction), or both parties of a private thread.
func (s *Store) fanout(ctx context.Context, msg models.Message, ev events.Event) {
	if msg.Visibility == models.VisibilityPrivate {
		s.deliver(msg.SenderID, ev)
		s.deliver(msg.RecipientID, ev)
		return
	}

	blocked, err := s.db.BlockedSetFor(ctx, msg.SenderID)
	if err != nil {
		logging.Error().Err(err).Msg("Fanout block lookup failed; delivering to sender only")
		s.deliver(msg.SenderID, ev)
		return
	}
	for _, memberID := range s.presence.OnlineMembers(msg.LocationID) {
		if blocked[memberID] {
			continue
		}
		s.deliver(memberID, ev)
	}
}

// React toggles the actor's reaction and fans out the new aggregate count.
// Each recipient's delta carries their own you_reacted flag.
func (s *Store) React(ctx context.Context, actor *models.User, messageID uuid.UUID, emoji string) (bool, error) {
	if emoji == "" || utf8.RuneCountInString(emoji) > 16 {
		return false, fmt.Errorf("react: invalid emoji")
	}
	msg, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("react: %w", err)
	}
	if blocked, err := s.db.IsBlockedEither(ctx, actor.ID, msg.SenderID); err != nil {
		return false, fmt.Errorf("react: %w", err)
	} else if blocked {
		return false, ErrBlocked
	}

	added, count, err := s.db.ToggleReaction(ctx, models.Reaction{
		MessageID: messageID,
		UserID:    actor.ID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("react: %w", err)
	}
	outcome := "removed"
	if added {
		outcome = "added"
	}
	metrics.ReactionToggles.WithLabelValues(outcome).Inc()

	reactors, err := s.db.ReactorsFor(ctx, messageID, emoji)
	if err != nil {
		logging.Error().Err(err).Msg("Reactor set lookup failed; skipping reaction fanout")
		return added, nil
	}
	base := events.ReactionDelta{
		MessageID: messageID,
		Emoji:     emoji,
		Count:     count,
		ActorID:   actor.ID,
		Added:     added,
	}
	s.fanoutPerViewer(ctx, msg, func(viewerID uuid.UUID) events.Event {
		d := base
		d.YouReacted = reactors[viewerID]
		return d
	})
	return added, nil
}

// fanoutPerViewer is fanout with a per-recipient event builder, used when
// the payload differs per viewer.
func (s *Store) fanoutPerViewer(ctx context.Context, msg models.Message, build func(viewerID uuid.UUID) events.Event) {
	if msg.Visibility == models.VisibilityPrivate {
		s.deliver(msg.SenderID, build(msg.SenderID))
		s.deliver(msg.RecipientID, build(msg.RecipientID))
		return
	}
	blocked, err := s.db.BlockedSetFor(ctx, msg.SenderID)
	if err != nil {
		logging.Error().Err(err).Msg("Fanout block lookup failed; skipping group fanout")
		return
	}
	for _, memberID := range s.presence.OnlineMembers(msg.LocationID) {
		if blocked[memberID] {
			continue
		}
		s.deliver(memberID, build(memberID))
	}
}

// Typing relays a non-durable typing indicator. Group indicators reach the
// location's online members except the typist; private indicators reach
// only the recipient. Never stored, never backfilled.
func (s *Store) Typing(ctx context.Context, actor *models.User, locationID, recipientID uuid.UUID) error {
	ev := events.TypingEvent{
		UserID: actor.ID,
		At:     time.Now().UTC(),
	}
	if recipientID != uuid.Nil {
		blocked, err := s.db.IsBlockedEither(ctx, actor.ID, recipientID)
		if err != nil {
			return fmt.Errorf("typing: %w", err)
		}
		if blocked {
			return ErrBlocked
		}
		ev.RecipientID = recipientID
		s.deliver(recipientID, ev)
		return nil
	}

	ev.LocationID = locationID
	blocked, err := s.db.BlockedSetFor(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("typing: %w", err)
	}
	for _, memberID := range s.presence.OnlineMembers(locationID) {
		if memberID == actor.ID || blocked[memberID] {
			continue
		}
		s.deliver(memberID, ev)
	}
	return nil
}

// Backfill returns the events a reconnecting viewer missed after their
// acknowledged cursor: messages in Seq order, each followed by its current
// reaction state. Blocked senders and deleted messages are filtered the
// same way live delivery filters them, so a rejoin and a stayed-connected
// client converge on the same view.
func (s *Store) Backfill(ctx context.Context, viewerID, locationID uuid.UUID, afterSeq int64, limit int) ([]events.Event, error) {
	msgs, err := s.db.MessagesAfter(ctx, viewerID, locationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}

	out := make([]events.Event, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, events.MessageEvent{Message: msg})
		counts, err := s.db.ReactionCounts(ctx, msg.ID, viewerID)
		if err != nil {
			return nil, fmt.Errorf("backfill: %w", err)
		}
		for _, rc := range counts {
			out = append(out, events.ReactionDelta{
				MessageID:  msg.ID,
				Emoji:      rc.Emoji,
				Count:      rc.Count,
				YouReacted: rc.YouReacted,
			})
		}
	}
	metrics.BackfillEvents.Observe(float64(len(out)))
	return out, nil
}

// Takedown soft-deletes a message. The row survives for the report audit
// trail; backfill stops returning it. Authorization happens at the API
// layer.
func (s *Store) Takedown(ctx context.Context, moderator *models.User, messageID uuid.UUID) error {
	if err := s.db.SoftDeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("takedown: %w", err)
	}
	logging.Warn().
		Str("message_id", messageID.String()).
		Str("moderator_id", moderator.ID.String()).
		Msg("Message taken down")
	return nil
}

// publishSent emits the message_sent domain event for group messages.
// Private threads are intentionally not published.
func (s *Store) publishSent(ctx context.Context, msg models.Message) {
	ev, err := events.NewDomainEvent(events.DomainMessageSent, msg.LocationID, msg.SenderID, map[string]any{
		"message_id": msg.ID.String(),
		"seq":        msg.Seq,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build domain event")
		return
	}
	s.pub.PublishDomain(ctx, ev)
}
