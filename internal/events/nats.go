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
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/venuepack/venuepack/internal/logging"
)

// NATSOptions configures domain event transport. With Enabled=false the
// publisher falls back to an in-process GoChannel pub/sub, which is enough
// when no external collaborators subscribe.
type NATSOptions struct {
	Enabled        bool
	URL            string
	EmbeddedServer bool
	StoreDir       string
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// EmbeddedServer wraps an in-process NATS server for single-binary
// deployments without external infrastructure.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// StartEmbeddedServer creates and starts an embedded NATS server with
// JetStream enabled. Returns an error if the server is not ready within
// 30 seconds.
func StartEmbeddedServer(storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "venuepack-events",
		Host:       "127.0.0.1",
		Port:       4222,
		JetStream:  true,
		StoreDir:   storeDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	ns.ConfigureLogger()

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string { return s.clientURL }

// Shutdown gracefully stops the server, waiting for in-flight messages
// unless the context is already canceled.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		s.server.WaitForShutdown()
		return nil
	}
}

// Transport bundles a domain publisher with the optional embedded server
// backing it, so shutdown can tear both down in order.
type Transport struct {
	Publisher DomainPublisher
	embedded  *EmbeddedServer
}

// NewTransport builds the domain event transport from options.
//
// Disabled: in-process GoChannel pub/sub (events visible to in-process
// subscribers only). Enabled: Watermill NATS publisher, optionally backed
// by an embedded server.
func NewTransport(opts NATSOptions) (*Transport, error) {
	wmLogger := watermill.NewStdLogger(false, false)

	if !opts.Enabled {
		pub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, wmLogger)
		logging.Info().Msg("domain events using in-process pub/sub (NATS disabled)")
		return &Transport{Publisher: NewWatermillPublisher(pub)}, nil
	}

	t := &Transport{}
	url := opts.URL
	if opts.EmbeddedServer {
		es, err := StartEmbeddedServer(opts.StoreDir)
		if err != nil {
			return nil, err
		}
		t.embedded = es
		url = es.ClientURL()
		logging.Info().Str("url", url).Msg("embedded NATS server started")
	}

	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1 // retry forever
	}
	reconnectWait := opts.ReconnectWait
	if reconnectWait == 0 {
		reconnectWait = 2 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(maxReconnects),
		natsgo.ReconnectWait(reconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
		},
	}, wmLogger)
	if err != nil {
		if t.embedded != nil {
			_ = t.embedded.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("create watermill NATS publisher: %w", err)
	}

	t.Publisher = NewWatermillPublisher(pub)
	return t, nil
}

// SubscribeInProcess returns a channel of messages for a topic when the
// transport uses the in-process pub/sub. Used by tests and by optional
// in-process collaborators.
func SubscribeInProcess(ctx context.Context, pub DomainPublisher, topic string) (<-chan *message.Message, bool) {
	wp, ok := pub.(*WatermillPublisher)
	if !ok {
		return nil, false
	}
	gc, ok := wp.pub.(*gochannel.GoChannel)
	if !ok {
		return nil, false
	}
	ch, err := gc.Subscribe(ctx, topic)
	if err != nil {
		return nil, false
	}
	return ch, true
}

// Close shuts down the publisher and, if present, the embedded server.
func (t *Transport) Close(ctx context.Context) error {
	var firstErr error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if t.embedded != nil {
		if err := t.embedded.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
