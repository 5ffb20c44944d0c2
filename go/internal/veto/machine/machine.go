// Package machine implements the veto session state machine.
//
// Every function here is pure: it takes a session snapshot and returns a new
// one without touching the input, the clock or any I/O. Callers own
// persistence, broadcasting and timers.
package machine

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
)

// Params describes a session before it exists.
type Params struct {
	MatchRef     string
	TeamAID      string
	TeamBID      string
	Ruleset      string
	Pool         models.MapPool
	Format       models.VetoFormat
	TurnDuration time.Duration
}

// New returns a NOT_STARTED session for params.
func New(id uuid.UUID, p Params, now time.Time) (models.VetoSession, error) {
	if err := models.ValidateFormat(p.Pool, p.Format); err != nil {
		return models.VetoSession{}, fmt.Errorf("%w: %v", veto.ErrInvalidRequest, err)
	}
	if p.TeamAID == "" || p.TeamBID == "" || p.TeamAID == p.TeamBID {
		return models.VetoSession{}, fmt.Errorf("%w: two distinct teams are required", veto.ErrInvalidRequest)
	}
	if p.TurnDuration <= 0 {
		return models.VetoSession{}, fmt.Errorf("%w: turn duration must be positive", veto.ErrInvalidRequest)
	}
	return models.VetoSession{
		ID:            id,
		MatchRef:      p.MatchRef,
		TeamAID:       p.TeamAID,
		TeamBID:       p.TeamBID,
		Ruleset:       p.Ruleset,
		Pool:          p.Pool.Clone(),
		Format:        slices.Clone(p.Format),
		TurnDuration:  p.TurnDuration,
		RemainingMaps: slices.Clone(p.Pool.Maps),
		ResolvedMaps:  []models.ResolvedAction{},
		Status:        models.SessionStatusNotStarted,
		CreatedAt:     normalize(now),
	}, nil
}

// Start moves a NOT_STARTED session into IN_PROGRESS and sets the first deadline.
func Start(s models.VetoSession, now time.Time) (models.VetoSession, error) {
	if s.Status != models.SessionStatusNotStarted {
		return s, fmt.Errorf("%w: status is %s", veto.ErrAlreadyStarted, s.Status)
	}
	now = normalize(now)
	next := s.Clone()
	next.Status = models.SessionStatusInProgress
	next.StartedAt = &now
	deadline := now.Add(s.TurnDuration)
	next.TurnDeadline = &deadline
	next.Version++
	return next, nil
}

// Apply resolves the current turn with a.
//
// Checks run in a fixed order and the first failure wins: session active,
// acting side, action kind, map availability.
func Apply(s models.VetoSession, a models.Action, now time.Time) (models.VetoSession, models.ResolvedAction, error) {
	if s.Status != models.SessionStatusInProgress {
		return s, models.ResolvedAction{}, fmt.Errorf("%w: status is %s", veto.ErrSessionNotActive, s.Status)
	}
	turn, ok := s.CurrentTurn()
	if !ok {
		// an IN_PROGRESS session always has a current turn
		return s, models.ResolvedAction{}, fmt.Errorf("%w: no turn at index %d", veto.ErrSessionNotActive, s.TurnIndex)
	}
	if a.Side != turn.Side {
		return s, models.ResolvedAction{}, fmt.Errorf("%w: turn %d belongs to %s", veto.ErrWrongTurn, s.TurnIndex, turn.Side)
	}
	if a.Kind != turn.Kind {
		return s, models.ResolvedAction{}, fmt.Errorf("%w: turn %d expects %s", veto.ErrWrongActionKind, s.TurnIndex, turn.Kind)
	}
	idx := slices.Index(s.RemainingMaps, a.MapID)
	if idx < 0 {
		return s, models.ResolvedAction{}, fmt.Errorf("%w: %q", veto.ErrMapNotAvailable, a.MapID)
	}

	now = normalize(now)
	source := a.Source
	if source == "" {
		source = models.SourceManual
	}
	resolved := models.ResolvedAction{
		TurnIndex:  s.TurnIndex,
		MapID:      a.MapID,
		Kind:       a.Kind,
		Side:       a.Side,
		Source:     source,
		ActorID:    a.ActorID,
		ResolvedAt: now,
	}

	next := s.Clone()
	next.RemainingMaps = slices.Delete(next.RemainingMaps, idx, idx+1)
	next.ResolvedMaps = append(next.ResolvedMaps, resolved)
	next.TurnIndex++
	next.Version++

	if next.TurnIndex == len(next.Format) {
		next.Status = models.SessionStatusCompleted
		next.FinalMaps = slices.Clone(next.RemainingMaps)
		next.TurnDeadline = nil
		next.CompletedAt = &now
	} else {
		deadline := now.Add(next.TurnDuration)
		next.TurnDeadline = &deadline
	}
	return next, resolved, nil
}

// Abort forces a session that has not completed into ABORTED.
func Abort(s models.VetoSession, reason string, now time.Time) (models.VetoSession, error) {
	if s.Status.Terminal() {
		return s, fmt.Errorf("%w: status is %s", veto.ErrSessionNotActive, s.Status)
	}
	now = normalize(now)
	next := s.Clone()
	next.Status = models.SessionStatusAborted
	next.AbortReason = reason
	next.AbortedAt = &now
	next.TurnDeadline = nil
	next.Version++
	return next, nil
}

// normalize drops the monotonic reading and sub-millisecond precision so a
// snapshot survives a round trip through any of the stores unchanged.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
