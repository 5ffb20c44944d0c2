// Package coordinator owns every mutation of a veto session.
//
// All entry points for one session run under that session's lock:
// load from the store, validate, apply, persist, broadcast, then rearm or
// tear down the turn timer. A transition that fails to persist is dropped
// before anything observes it.
//
// The store is the only source of truth. Instances sharing a store never
// trust a snapshot they read earlier, and commits are guarded by the
// expected version, so a session can be driven from any instance.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/veto/go/internal/matchctx"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/mcdev12/veto/go/internal/veto/timer"
	"github.com/mcdev12/veto/go/internal/veto/validator"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultWorkers      = 8
	defaultRetryDelay   = 2 * time.Second
	defaultTurnDuration = 30 * time.Second
)

// Broadcaster fans accepted events out to observers. It is called with the
// session lock held and must not block on slow receivers.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, envs []events.Envelope)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(sessionID uuid.UUID, envs []events.Envelope)

func (f BroadcasterFunc) Broadcast(sessionID uuid.UUID, envs []events.Envelope) {
	f(sessionID, envs)
}

// MultiBroadcaster hands every batch to each broadcaster in order.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(sessionID uuid.UUID, envs []events.Envelope) {
	for _, b := range m {
		b.Broadcast(sessionID, envs)
	}
}

// RulesetSource resolves a ruleset name to a pool and format.
type RulesetSource interface {
	Ruleset(name string) (matchctx.Ruleset, error)
}

type Coordinator struct {
	store       store.Store
	validator   *validator.Validator
	resolver    AutoResolver
	sched       *timer.Scheduler
	clock       timer.Clock
	broadcaster Broadcaster
	matches     matchctx.Lookup
	rulesets    RulesetSource
	listeners   []CompletionListener
	tracer      trace.Tracer

	locks *sessionLocks

	numWorkers          int
	retryDelay          time.Duration
	defaultTurnDuration time.Duration
	autoStart           bool
	instanceID          string

	listenerWG sync.WaitGroup
}

type Option func(*Coordinator)

// WithClock replaces the real clock, mostly with a clockwork.FakeClock in tests.
func WithClock(clock timer.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) { c.broadcaster = b }
}

func WithResolver(r AutoResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithMatchContext enables Create for match references.
func WithMatchContext(matches matchctx.Lookup, rulesets RulesetSource) Option {
	return func(c *Coordinator) {
		c.matches = matches
		c.rulesets = rulesets
	}
}

func WithCompletionListener(l CompletionListener) Option {
	return func(c *Coordinator) { c.listeners = append(c.listeners, l) }
}

// WithWorkers sets the size of the timeout worker pool.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.numWorkers = n
		}
	}
}

// WithRetryDelay sets how long a timeout waits before retrying a failed persist.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithDefaultTurnDuration applies to rulesets that do not set their own clock.
func WithDefaultTurnDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTurnDuration = d
		}
	}
}

// WithAutoStart lets the first authorized submission start a NOT_STARTED session.
func WithAutoStart(enabled bool) Option {
	return func(c *Coordinator) { c.autoStart = enabled }
}

// New builds a coordinator over st. Timers are armed immediately, but
// timeouts are only processed while Run is active.
func New(st store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:               st,
		validator:           validator.New(),
		resolver:            PoolOrderResolver{},
		clock:               clockwork.NewRealClock(),
		broadcaster:         BroadcasterFunc(func(uuid.UUID, []events.Envelope) {}),
		tracer:              otel.Tracer("github.com/mcdev12/veto/coordinator"),
		locks:               newSessionLocks(),
		numWorkers:          defaultWorkers,
		retryDelay:          defaultRetryDelay,
		defaultTurnDuration: defaultTurnDuration,
		instanceID:          uuid.New().String()[:8],
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sched = timer.NewScheduler(c.clock, c.numWorkers*2)
	return c
}

// Close stops all timers and waits for completion listeners to return.
func (c *Coordinator) Close() {
	c.sched.Stop()
	c.listenerWG.Wait()
}

// load reads the committed snapshot of id from the store.
func (c *Coordinator) load(ctx context.Context, id uuid.UUID) (models.VetoSession, error) {
	s, err := c.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, veto.ErrSessionNotFound) {
			return models.VetoSession{}, err
		}
		return models.VetoSession{}, fmt.Errorf("%w: load session: %w", veto.ErrPersistenceFailure, err)
	}
	return s, nil
}

// commit persists prev -> next and, only once that succeeded, publishes it:
// broadcast, timer, completion listeners. Callers hold the session lock.
// If another instance committed since prev was loaded the error wraps
// store.ErrVersionConflict.
func (c *Coordinator) commit(ctx context.Context, prev, next models.VetoSession, resolved *models.ResolvedAction) error {
	envs, err := events.ForTransition(prev, next, resolved, c.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("build events: %w", err)
	}

	err = c.store.Commit(ctx, store.Commit{
		Session:         next,
		ExpectedVersion: prev.Version,
		Action:          resolved,
		Outbox:          outboxEvents(envs),
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			log.Warn().
				Err(err).
				Str("session_id", next.ID.String()).
				Int64("version", prev.Version).
				Str("instance", c.instanceID).
				Msg("session moved by another writer")
			return fmt.Errorf("%w: %w", veto.ErrPersistenceFailure, err)
		}
		log.Error().
			Err(err).
			Str("session_id", next.ID.String()).
			Int64("version", next.Version).
			Msg("failed to persist transition")
		return fmt.Errorf("%w: %w", veto.ErrPersistenceFailure, err)
	}

	c.broadcaster.Broadcast(next.ID, envs)

	switch next.Status {
	case models.SessionStatusInProgress:
		c.sched.Arm(next.ID, next.TurnIndex, *next.TurnDeadline)
	default:
		c.sched.Cancel(next.ID)
	}

	if next.Status == models.SessionStatusCompleted && prev.Status != models.SessionStatusCompleted {
		c.notifyCompleted(next)
	}
	return nil
}

// outboxEvents selects the events other systems depend on. Everything else
// is only interesting to live viewers.
func outboxEvents(envs []events.Envelope) []events.Envelope {
	var out []events.Envelope
	for _, env := range envs {
		switch env.Type {
		case events.EventTypeSessionCompleted, events.EventTypeSessionAborted:
			out = append(out, env)
		}
	}
	return out
}
