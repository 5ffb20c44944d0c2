// Package memory is an in-process Store used by tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/mcdev12/veto/go/internal/veto/store"
)

type record struct {
	session models.VetoSession
	actions []models.ResolvedAction
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*record
	outbox   []events.Envelope

	commitErr error
	commits   int
}

func New() *Store {
	return &Store{sessions: make(map[uuid.UUID]*record)}
}

// FailCommits makes every following Commit return err until called with nil.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// Commits counts successful commits.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Outbox returns a copy of every outbox event written so far.
func (s *Store) Outbox() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func (s *Store) CreateSession(ctx context.Context, session models.VetoSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	s.sessions[session.ID] = &record{session: session.Clone()}
	return nil
}

func (s *Store) Commit(ctx context.Context, c store.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.ValidateCommit(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	rec, ok := s.sessions[c.Session.ID]
	if !ok {
		return fmt.Errorf("commit %s: %w", c.Session.ID, veto.ErrSessionNotFound)
	}
	if rec.session.Version != c.ExpectedVersion {
		return fmt.Errorf("commit %s at version %d, stored %d: %w",
			c.Session.ID, c.ExpectedVersion, rec.session.Version, store.ErrVersionConflict)
	}
	if c.Action != nil {
		if c.Action.TurnIndex != len(rec.actions) {
			return fmt.Errorf("action log for %s has %d entries, got turn %d", c.Session.ID, len(rec.actions), c.Action.TurnIndex)
		}
		rec.actions = append(rec.actions, *c.Action)
	}
	rec.session = c.Session.Clone()
	s.outbox = append(s.outbox, c.Outbox...)
	s.commits++
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	if err := ctx.Err(); err != nil {
		return models.VetoSession{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return models.VetoSession{}, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}
	return rec.session.Clone(), nil
}

func (s *Store) ListActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, veto.ErrSessionNotFound)
	}
	return slices.Clone(rec.actions), nil
}

func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.VetoSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VetoSession
	for _, rec := range s.sessions {
		if status != "" && rec.session.Status != status {
			continue
		}
		out = append(out, rec.session.Clone())
	}
	slices.SortFunc(out, func(a, b models.VetoSession) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
