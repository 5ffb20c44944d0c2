// Package store defines the durable source of truth for veto sessions.
//
// A store keeps one snapshot row per session plus an append-only action log
// keyed by (session_id, turn_index). Implementations live in the memory,
// sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto/events"
)

// ErrVersionConflict is returned when a commit does not start from the
// stored version. The coordinator is the only writer per session, so this
// indicates a second process writing the same session.
var ErrVersionConflict = errors.New("version conflict")

// Commit is one accepted transition.
type Commit struct {
	// Session is the snapshot after the transition.
	Session models.VetoSession
	// ExpectedVersion is the version of the snapshot being replaced.
	ExpectedVersion int64
	// Action is appended to the log when the transition resolved a turn.
	Action *models.ResolvedAction
	// Outbox holds events that must leave the process even if it crashes
	// right after the commit. Written in the same transaction.
	Outbox []events.Envelope
}

// Store persists sessions and their action logs.
type Store interface {
	CreateSession(ctx context.Context, s models.VetoSession) error
	Commit(ctx context.Context, c Commit) error
	// GetSession returns an error wrapping veto.ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id uuid.UUID) (models.VetoSession, error)
	ListActions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error)
	ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.VetoSession, error)
}

// ValidateCommit checks the parts of a commit every implementation relies on.
func ValidateCommit(c Commit) error {
	if c.Session.Version <= c.ExpectedVersion {
		return errors.New("commit does not advance the session version")
	}
	if c.Action != nil && c.Action.TurnIndex != len(c.Session.ResolvedMaps)-1 {
		return errors.New("commit action is not the last resolved turn")
	}
	return nil
}
