package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAlreadySent is returned by FetchOutboxByID for rows that are missing or
// already stamped, typically because the fallback poll got there first.
var ErrAlreadySent = errors.New("outbox event not found or already sent")

// Repository reads veto_outbox through database/sql and the lib/pq driver,
// the same connection family the LISTEN side uses.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const outboxColumns = `id, session_id, event_type, payload, headers, created_at, sent_at`

func scanOutbox(row interface{ Scan(...any) error }) (OutboxEvent, error) {
	var (
		e      OutboxEvent
		sentAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.EventType, &e.Payload, &e.Headers, &e.CreatedAt, &sentAt); err != nil {
		return OutboxEvent{}, err
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	return e, nil
}

func (r *Repository) FetchOutboxByID(ctx context.Context, id uuid.UUID) (OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM veto_outbox WHERE id = $1 AND sent_at IS NULL`, id)
	e, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OutboxEvent{}, ErrAlreadySent
		}
		return OutboxEvent{}, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	return e, nil
}

// FetchUnsentOutbox returns unsent rows oldest first.
func (r *Repository) FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM veto_outbox
WHERE sent_at IS NULL
ORDER BY created_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE veto_outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM veto_outbox WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox events: %w", err)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
