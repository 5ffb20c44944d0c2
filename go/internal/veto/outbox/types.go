// Package outbox relays events committed to the Postgres outbox table to
// JetStream.
//
// Rows are written by the postgres store in the same transaction as the
// session snapshot. The relay wakes on NOTIFY veto_outbox_events, falls back
// to polling, publishes each row and stamps sent_at. Publishing is at least
// once; the stream drops duplicates by dedupe key.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/sqlc-dev/pqtype"
)

// OutboxEvent is one row of veto_outbox.
type OutboxEvent struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	EventType string
	Payload   json.RawMessage
	Headers   pqtype.NullRawMessage
	CreatedAt time.Time
	SentAt    *time.Time
}

// Envelope decodes the stored event. When headers are present they must
// agree with the payload.
func (e OutboxEvent) Envelope() (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("decode outbox payload %s: %w", e.ID, err)
	}
	if !e.Headers.Valid {
		return env, nil
	}

	var headers map[string]string
	if err := json.Unmarshal(e.Headers.RawMessage, &headers); err != nil {
		return events.Envelope{}, fmt.Errorf("decode outbox headers %s: %w", e.ID, err)
	}
	if key, ok := headers["Dedupe-Key"]; ok && key != env.DedupeKey() {
		return events.Envelope{}, fmt.Errorf("outbox %s: dedupe key %q does not match payload %q", e.ID, key, env.DedupeKey())
	}
	return env, nil
}

// Publisher sends one event downstream. bus.Publisher is the production
// implementation.
type Publisher interface {
	Publish(ctx context.Context, env events.Envelope) error
}

// Source is the outbox table.
type Source interface {
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (OutboxEvent, error)
	FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	CountPending(ctx context.Context) (int, error)
}
