package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Sink receives decoded events, in stream order. The gateway
// ConnectionManager is the usual sink.
type Sink interface {
	Broadcast(sessionID uuid.UUID, envs []events.Envelope)
}

// Consumer follows the stream from "now" and hands every event to a sink.
// Each gateway instance runs its own ordered consumer so that all of them
// see every event.
type Consumer struct {
	js     jetstream.JetStream
	sink   Sink
	config JetStreamConfig
}

func NewConsumer(js jetstream.JetStream, sink Sink, cfg JetStreamConfig) *Consumer {
	return &Consumer{js: js, sink: sink, config: cfg}
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.js.OrderedConsumer(ctx, c.config.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.config.SubjectPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ordered consumer: %w", err)
	}

	log.Info().
		Str("stream", c.config.StreamName).
		Str("subjects", c.config.SubjectPrefix+".>").
		Msg("starting JetStream event consumer")

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(msg.Subject(), msg.Data())
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	<-ctx.Done()
	log.Info().Msg("event consumer shutting down")
	return nil
}

func (c *Consumer) handle(subject string, data []byte) {
	sessionID, env, err := Decode(data)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to process message")
		return
	}
	c.sink.Broadcast(sessionID, []events.Envelope{env})
}

// Decode parses a message published by Publisher.
func Decode(data []byte) (uuid.UUID, events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return uuid.Nil, events.Envelope{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	sessionID, err := uuid.Parse(env.SessionID)
	if err != nil {
		return uuid.Nil, events.Envelope{}, fmt.Errorf("invalid session id %q: %w", env.SessionID, err)
	}
	if env.Type == "" {
		return uuid.Nil, events.Envelope{}, fmt.Errorf("event %s has no type", env.ID)
	}
	return sessionID, env, nil
}
