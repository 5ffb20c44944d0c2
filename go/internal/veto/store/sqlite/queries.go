package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/sqlutil"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db DBTX
}

func newQueries(db DBTX) *queries {
	return &queries{db: db}
}

func newTxQueries(tx *sql.Tx) *queries {
	return newQueries(tx)
}

func (q *queries) insertSession(ctx context.Context, s models.VetoSession) error {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO veto_sessions (id, match_ref, status, version, snapshot, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		s.ID.String(),
		s.MatchRef,
		string(s.Status),
		s.Version,
		string(snapshot),
		sqlutil.ToMillis(s.CreatedAt),
		sqlutil.ToMillis(time.Now()),
	)
	return err
}

// updateSession writes s only if the stored version is still expected.
func (q *queries) updateSession(ctx context.Context, s models.VetoSession, expected int64) (bool, error) {
	snapshot, err := json.Marshal(s)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE veto_sessions
SET status = ?, version = ?, snapshot = ?, updated_at = ?
WHERE id = ? AND version = ?
`,
		string(s.Status),
		s.Version,
		string(snapshot),
		sqlutil.ToMillis(time.Now()),
		s.ID.String(),
		expected,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *queries) sessionExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM veto_sessions WHERE id = ?`, id.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (q *queries) insertAction(ctx context.Context, sessionID uuid.UUID, a models.ResolvedAction) error {
	_, err := q.db.ExecContext(ctx, `
INSERT INTO veto_actions (session_id, turn_index, map_id, action_kind, acting_side, source, actor_id, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		sessionID.String(),
		a.TurnIndex,
		a.MapID,
		string(a.Kind),
		string(a.Side),
		string(a.Source),
		a.ActorID,
		sqlutil.ToMillis(a.ResolvedAt),
	)
	return err
}

func (q *queries) getSession(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	var snapshot string
	err := q.db.QueryRowContext(ctx, `SELECT snapshot FROM veto_sessions WHERE id = ?`, id.String()).Scan(&snapshot)
	if err != nil {
		return models.VetoSession{}, err
	}
	return decodeSnapshot(snapshot)
}

func (q *queries) listActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT turn_index, map_id, action_kind, acting_side, source, actor_id, resolved_at
FROM veto_actions
WHERE session_id = ?
ORDER BY turn_index
`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []models.ResolvedAction{}
	for rows.Next() {
		var (
			a                  models.ResolvedAction
			kind, side, source string
			resolvedAt         int64
		)
		if err := rows.Scan(&a.TurnIndex, &a.MapID, &kind, &side, &source, &a.ActorID, &resolvedAt); err != nil {
			return nil, err
		}
		a.Kind = models.ActionKind(kind)
		a.Side = models.Side(side)
		a.Source = models.ActionSource(source)
		a.ResolvedAt = sqlutil.FromMillis(resolvedAt)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (q *queries) listSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.VetoSession, error) {
	query := `SELECT snapshot FROM veto_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VetoSession
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		s, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func decodeSnapshot(raw string) (models.VetoSession, error) {
	var s models.VetoSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return models.VetoSession{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
