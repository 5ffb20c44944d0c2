// Package sqlite provides a single-node Store backed by modernc.org/sqlite.
//
// There is no relay for SQLite, so Commit.Outbox is not persisted. Single
// node deployments get completion events from the live broadcast and the
// completion listeners only.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/sqlutil"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/store"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// Store provides SQLite-backed session persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	sqlDB, err := sql.Open("sqlite", dsn+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one connection keeps writes serialized and an in-memory database shared
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) CreateSession(ctx context.Context, session models.VetoSession) error {
	if err := newQueries(s.sqlDB).insertSession(ctx, session); err != nil {
		return fmt.Errorf("create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := store.ValidateCommit(c); err != nil {
		return err
	}
	return sqlutil.Run(ctx, s.sqlDB, newTxQueries, func(q *queries) error {
		ok, err := q.updateSession(ctx, c.Session, c.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("update session %s: %w", c.Session.ID, err)
		}
		if !ok {
			exists, err := q.sessionExists(ctx, c.Session.ID)
			if err != nil {
				return fmt.Errorf("check session %s: %w", c.Session.ID, err)
			}
			if !exists {
				return fmt.Errorf("commit %s: %w", c.Session.ID, veto.ErrSessionNotFound)
			}
			return fmt.Errorf("commit %s at version %d: %w", c.Session.ID, c.ExpectedVersion, store.ErrVersionConflict)
		}
		if c.Action != nil {
			if err := q.insertAction(ctx, c.Session.ID, *c.Action); err != nil {
				return fmt.Errorf("append action %d: %w", c.Action.TurnIndex, err)
			}
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	session, err := newQueries(s.sqlDB).getSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VetoSession{}, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}
	if err != nil {
		return models.VetoSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

func (s *Store) ListActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error) {
	q := newQueries(s.sqlDB)
	exists, err := q.sessionExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}
	actions, err := q.listActions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list actions %s: %w", id, err)
	}
	return actions, nil
}

func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.VetoSession, error) {
	sessions, err := newQueries(s.sqlDB).listSessions(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

var _ store.Store = (*Store)(nil)
