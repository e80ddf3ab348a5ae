// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/logging"
)

// Domain event types emitted for external collaborators (ordering, table,
// notification services). The schema is stable: collaborators depend on it.
const (
	DomainMemberJoined = "member_joined"
	DomainMemberLeft   = "member_left"
	DomainMessageSent  = "message_sent"
	DomainUserBanned   = "user_banned"
)

// TopicPrefix namespaces domain event topics. The full topic is
// "venuepack.events.<event_type>".
const TopicPrefix = "venuepack.events"

// DomainEvent is the stable envelope external subscribers consume.
type DomainEvent struct {
	EventType  string          `json:"event_type"`
	LocationID uuid.UUID       `json:"location_id"`
	ActorID    uuid.UUID       `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewDomainEvent stamps an event with the current UTC time.
func NewDomainEvent(eventType string, locationID, actorID uuid.UUID, payload any) (DomainEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return DomainEvent{}, fmt.Errorf("marshal domain event payload: %w", err)
		}
		raw = b
	}
	return DomainEvent{
		EventType:  eventType,
		LocationID: locationID,
		ActorID:    actorID,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// DomainPublisher emits domain events. Emission is best-effort from the
// caller's perspective: a failed publish is logged and never fails the
// user-visible flow that produced it.
type DomainPublisher interface {
	PublishDomain(ctx context.Context, ev DomainEvent)
	Close() error
}

// WatermillPublisher publishes domain events through any Watermill
// message.Publisher: the in-process GoChannel pub/sub by default, or a
// NATS JetStream publisher when NATS is enabled.
type WatermillPublisher struct {
	pub message.Publisher
}

// NewWatermillPublisher wraps a Watermill publisher.
func NewWatermillPublisher(pub message.Publisher) *WatermillPublisher {
	return &WatermillPublisher{pub: pub}
}

// PublishDomain marshals the event and publishes it to its type-scoped
// topic. Errors are logged, not returned: domain events are advisory and
// must never block or fail the presence/messaging pipeline.
func (p *WatermillPublisher) PublishDomain(_ context.Context, ev DomainEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		logging.Err(err).Str("event_type", ev.EventType).Msg("marshal domain event")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set("event_type", ev.EventType)

	topic := TopicPrefix + "." + ev.EventType
	if err := p.pub.Publish(topic, msg); err != nil {
		logging.Err(err).
			Str("event_type", ev.EventType).
			Str("topic", topic).
			Msg("publish domain event")
		return
	}
	logging.Debug().
		Str("event_type", ev.EventType).
		Str("location_id", ev.LocationID.String()).
		Msg("domain event published")
}

// Close closes the underlying Watermill publisher.
func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

// NopPublisher discards domain events. Used in tests and when event
// emission is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishDomain(context.Context, DomainEvent) {}
func (NopPublisher) Close() error                               { return nil }
