package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher writes session events to the stream.
type Publisher struct {
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewPublisher(js jetstream.JetStream, cfg JetStreamConfig) *Publisher {
	return &Publisher{js: js, config: cfg}
}

// Message builds the NATS message for env.
func (p *Publisher) Message(env events.Envelope) (*nats.Msg, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &nats.Msg{
		Subject: p.config.Subject(env.SessionID, string(env.Type)),
		Data:    data,
		Header: nats.Header{
			HeaderEventType: []string{string(env.Type)},
			HeaderSessionID: []string{env.SessionID},
			HeaderSequence:  []string{strconv.FormatInt(env.Sequence, 10)},
		},
	}, nil
}

// Publish writes env and waits for the stream to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	msg, err := p.Message(env)
	if err != nil {
		return err
	}
	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(env.DedupeKey()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("session_id", env.SessionID).
		Uint64("stream_sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

// Broadcast publishes envs asynchronously so other gateway instances can
// fan them out. It only blocks when the async window is full; failures are
// reported by the error handler installed in Connect.
func (p *Publisher) Broadcast(sessionID uuid.UUID, envs []events.Envelope) {
	for _, env := range envs {
		msg, err := p.Message(env)
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to build bus message")
			continue
		}
		if _, err := p.js.PublishMsgAsync(msg,
			jetstream.WithMsgID(env.DedupeKey()),
			jetstream.WithExpectStream(p.config.StreamName),
		); err != nil {
			log.Error().
				Err(err).
				Str("session_id", sessionID.String()).
				Str("event_type", string(env.Type)).
				Msg("failed to publish event to bus")
		}
	}
}
