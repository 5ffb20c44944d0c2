// Package postgres is the production Store, built on pgxpool.
//
// Outbox rows are written in the same transaction as the snapshot; an
// insert trigger notifies veto_outbox_events so the relay can publish them.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

// Store persists sessions in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Msg("connected to postgres")
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) CreateSession(ctx context.Context, session models.VetoSession) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO veto_sessions (id, match_ref, status, version, snapshot, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, session.ID, session.MatchRef, string(session.Status), session.Version, string(snapshot), session.CreatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := store.ValidateCommit(c); err != nil {
		return err
	}
	snapshot, err := json.Marshal(c.Session)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE veto_sessions
SET status = $2, version = $3, snapshot = $4, updated_at = now()
WHERE id = $1 AND version = $5
`, c.Session.ID, string(c.Session.Status), c.Session.Version, string(snapshot), c.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update session %s: %w", c.Session.ID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM veto_sessions WHERE id = $1)`, c.Session.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check session %s: %w", c.Session.ID, err)
			}
			if !exists {
				return fmt.Errorf("commit %s: %w", c.Session.ID, veto.ErrSessionNotFound)
			}
			return fmt.Errorf("commit %s at version %d: %w", c.Session.ID, c.ExpectedVersion, store.ErrVersionConflict)
		}

		if a := c.Action; a != nil {
			_, err := tx.Exec(ctx, `
INSERT INTO veto_actions (session_id, turn_index, map_id, action_kind, acting_side, source, actor_id, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, c.Session.ID, a.TurnIndex, a.MapID, string(a.Kind), string(a.Side), string(a.Source), a.ActorID, a.ResolvedAt)
			if err != nil {
				return fmt.Errorf("append action %d: %w", a.TurnIndex, err)
			}
		}

		for _, env := range c.Outbox {
			if err := insertOutbox(ctx, tx, env); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOutbox(ctx context.Context, tx pgx.Tx, env events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	headers, err := json.Marshal(map[string]string{
		"Event-Type": string(env.Type),
		"Session-ID": env.SessionID,
		"Dedupe-Key": env.DedupeKey(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox headers: %w", err)
	}
	id, err := uuid.Parse(env.ID)
	if err != nil {
		id = uuid.New()
	}
	_, err = tx.Exec(ctx, `
INSERT INTO veto_outbox (id, session_id, event_type, payload, headers, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, id, env.SessionID, string(env.Type), string(payload), string(headers), env.Timestamp)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", env.Type, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM veto_sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VetoSession{}, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}
	if err != nil {
		return models.VetoSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSnapshot(raw)
}

func (s *Store) ListActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM veto_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}

	rows, err := s.pool.Query(ctx, `
SELECT turn_index, map_id, action_kind, acting_side, source, actor_id, resolved_at
FROM veto_actions
WHERE session_id = $1
ORDER BY turn_index
`, id)
	if err != nil {
		return nil, fmt.Errorf("list actions %s: %w", id, err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ResolvedAction, error) {
		var (
			a                  models.ResolvedAction
			kind, side, source string
		)
		err := row.Scan(&a.TurnIndex, &a.MapID, &kind, &side, &source, &a.ActorID, &a.ResolvedAt)
		a.Kind = models.ActionKind(kind)
		a.Side = models.Side(side)
		a.Source = models.ActionSource(source)
		a.ResolvedAt = a.ResolvedAt.UTC()
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan actions %s: %w", id, err)
	}
	return actions, nil
}

func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.VetoSession, error) {
	query := `SELECT snapshot FROM veto_sessions WHERE ($1 = '' OR status = $1) ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.VetoSession, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return models.VetoSession{}, err
		}
		return decodeSnapshot(raw)
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func decodeSnapshot(raw []byte) (models.VetoSession, error) {
	var s models.VetoSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.VetoSession{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

var _ store.Store = (*Store)(nil)
