package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/matchctx"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/machine"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxSubmitAttempts bounds how often a submission is re-checked after losing
// a commit race to another instance.
const maxSubmitAttempts = 3

// CreateRequest describes a new session. Empty team or ruleset fields are
// filled from the match context lookup.
type CreateRequest struct {
	SessionID uuid.UUID
	MatchRef  string
	TeamAID   string
	TeamBID   string
	Ruleset   string
}

func (c *Coordinator) startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+name, trace.WithAttributes(
		attribute.String("veto.session_id", id.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create persists a NOT_STARTED session for a match.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (_ models.VetoSession, err error) {
	id := req.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ctx, span := c.startSpan(ctx, "Create", id)
	defer func() { endSpan(span, err) }()

	if req.MatchRef == "" {
		return models.VetoSession{}, fmt.Errorf("%w: match_ref is required", veto.ErrInvalidRequest)
	}
	if req.TeamAID == "" || req.TeamBID == "" || req.Ruleset == "" {
		if c.matches == nil {
			return models.VetoSession{}, fmt.Errorf("%w: teams and ruleset are required without a match service", veto.ErrInvalidRequest)
		}
		m, err := c.matches.LookupMatch(ctx, req.MatchRef)
		if err != nil {
			if errors.Is(err, matchctx.ErrMatchNotFound) {
				return models.VetoSession{}, fmt.Errorf("%w: %w", veto.ErrInvalidRequest, err)
			}
			return models.VetoSession{}, fmt.Errorf("lookup match %s: %w", req.MatchRef, err)
		}
		req.TeamAID = cmp.Or(req.TeamAID, m.TeamAID)
		req.TeamBID = cmp.Or(req.TeamBID, m.TeamBID)
		req.Ruleset = cmp.Or(req.Ruleset, m.Ruleset)
	}
	if c.rulesets == nil {
		return models.VetoSession{}, fmt.Errorf("%w: no rulesets configured", veto.ErrInvalidRequest)
	}
	rs, err := c.rulesets.Ruleset(req.Ruleset)
	if err != nil {
		return models.VetoSession{}, fmt.Errorf("%w: %w", veto.ErrInvalidRequest, err)
	}
	turnDuration := rs.TurnDuration
	if turnDuration <= 0 {
		turnDuration = c.defaultTurnDuration
	}

	s, err := machine.New(id, machine.Params{
		MatchRef:     req.MatchRef,
		TeamAID:      req.TeamAID,
		TeamBID:      req.TeamBID,
		Ruleset:      rs.Name,
		Pool:         rs.Pool,
		Format:       rs.Format,
		TurnDuration: turnDuration,
	}, c.clock.Now())
	if err != nil {
		return models.VetoSession{}, err
	}

	unlock := c.locks.lock(id)
	defer unlock()
	if err := c.store.CreateSession(ctx, s); err != nil {
		return models.VetoSession{}, fmt.Errorf("%w: create session: %w", veto.ErrPersistenceFailure, err)
	}

	log.Info().
		Str("session_id", id.String()).
		Str("match_ref", s.MatchRef).
		Str("ruleset", s.Ruleset).
		Str("team_a", s.TeamAID).
		Str("team_b", s.TeamBID).
		Msg("veto session created")
	return s.Clone(), nil
}

// Start moves a session into IN_PROGRESS and arms the first turn.
func (c *Coordinator) Start(ctx context.Context, id uuid.UUID) (_ models.VetoSession, err error) {
	ctx, span := c.startSpan(ctx, "Start", id)
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(id)
	defer unlock()

	s, err := c.load(ctx, id)
	if err != nil {
		return models.VetoSession{}, err
	}
	next, err := machine.Start(s, c.clock.Now())
	if err != nil {
		return models.VetoSession{}, err
	}
	if err := c.commit(ctx, s, next, nil); err != nil {
		return models.VetoSession{}, err
	}

	log.Info().
		Str("session_id", id.String()).
		Time("deadline", *next.TurnDeadline).
		Msg("veto session started")
	return next.Clone(), nil
}

// SubmitAction resolves the current turn on behalf of actor. Any rejection
// leaves the session untouched. If another instance resolved a turn between
// the load and the commit, the submission is checked again against the
// newer snapshot.
func (c *Coordinator) SubmitAction(ctx context.Context, id uuid.UUID, actor models.Actor, a models.Action) (_ models.VetoSession, err error) {
	ctx, span := c.startSpan(ctx, "SubmitAction", id)
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		next, err := c.submitLocked(ctx, id, actor, a)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxSubmitAttempts {
			continue
		}
		return next, err
	}
}

func (c *Coordinator) submitLocked(ctx context.Context, id uuid.UUID, actor models.Actor, a models.Action) (models.VetoSession, error) {
	s, err := c.load(ctx, id)
	if err != nil {
		return models.VetoSession{}, err
	}
	if a.Side == "" {
		if side, ok := c.validator.SideOf(s, actor); ok {
			a.Side = side
		}
	}
	if err := c.validator.AuthorizeTurn(s, actor, a.Side); err != nil {
		return models.VetoSession{}, err
	}
	a.Source = models.SourceManual
	a.ActorID = actor.ID

	now := c.clock.Now()
	cur := s
	if c.autoStart && s.Status == models.SessionStatusNotStarted {
		if cur, err = machine.Start(s, now); err != nil {
			return models.VetoSession{}, err
		}
	}
	next, resolved, err := machine.Apply(cur, a, now)
	if err != nil {
		log.Debug().
			Err(err).
			Str("session_id", id.String()).
			Str("actor", actor.ID).
			Int("turn_index", s.TurnIndex).
			Msg("action rejected")
		return models.VetoSession{}, err
	}
	if err := c.commit(ctx, s, next, &resolved); err != nil {
		return models.VetoSession{}, err
	}

	log.Info().
		Str("session_id", id.String()).
		Int("turn_index", resolved.TurnIndex).
		Str("side", string(resolved.Side)).
		Str("kind", string(resolved.Kind)).
		Str("map_id", resolved.MapID).
		Str("actor", actor.ID).
		Str("status", string(next.Status)).
		Msg("turn resolved")
	return next.Clone(), nil
}

// Abort ends a session that has not completed. Later submissions fail with
// veto.ErrSessionNotActive.
func (c *Coordinator) Abort(ctx context.Context, id uuid.UUID, reason string) (_ models.VetoSession, err error) {
	ctx, span := c.startSpan(ctx, "Abort", id)
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(id)
	defer unlock()

	s, err := c.load(ctx, id)
	if err != nil {
		return models.VetoSession{}, err
	}
	next, err := machine.Abort(s, reason, c.clock.Now())
	if err != nil {
		return models.VetoSession{}, err
	}
	if err := c.commit(ctx, s, next, nil); err != nil {
		return models.VetoSession{}, err
	}

	log.Info().
		Str("session_id", id.String()).
		Str("reason", reason).
		Int("turn_index", next.TurnIndex).
		Msg("veto session aborted")
	return next.Clone(), nil
}

// GetState returns the latest committed snapshot. It never takes the
// session lock and never changes anything.
func (c *Coordinator) GetState(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	return c.load(ctx, id)
}

// Subscribe calls fn with the current snapshot while holding the session
// lock. Anything fn registers for live events therefore receives exactly
// the events that follow the snapshot.
func (c *Coordinator) Subscribe(ctx context.Context, id uuid.UUID, fn func(models.VetoSession) error) error {
	unlock := c.locks.lock(id)
	defer unlock()

	s, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	return fn(s)
}

// Actions returns the persisted action log of a session.
func (c *Coordinator) Actions(ctx context.Context, id uuid.UUID) ([]models.ResolvedAction, error) {
	actions, err := c.store.ListActions(ctx, id)
	if err != nil && !errors.Is(err, veto.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %w", veto.ErrPersistenceFailure, err)
	}
	return actions, err
}

// Verify replays the persisted action log and compares it with the stored
// snapshot. A mismatch wraps veto.ErrReplayMismatch.
func (c *Coordinator) Verify(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := c.startSpan(ctx, "Verify", id)
	defer func() { endSpan(span, err) }()

	unlock := c.locks.lock(id)
	defer unlock()
	return c.verifyLocked(ctx, id)
}

func (c *Coordinator) verifyLocked(ctx context.Context, id uuid.UUID) error {
	stored, err := c.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	actions, err := c.store.ListActions(ctx, id)
	if err != nil {
		return fmt.Errorf("list actions: %w", err)
	}
	return machine.Verify(stored, actions)
}

// ListActive returns IN_PROGRESS sessions, oldest first.
func (c *Coordinator) ListActive(ctx context.Context, limit int) ([]models.VetoSession, error) {
	sessions, err := c.store.ListSessions(ctx, models.SessionStatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", veto.ErrPersistenceFailure, err)
	}
	return sessions, nil
}
