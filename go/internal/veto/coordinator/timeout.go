package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/machine"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/mcdev12/veto/go/internal/veto/timer"
	"github.com/rs/zerolog/log"
)

// Run feeds expired turns to a pool of workers until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().
		Str("instance", c.instanceID).
		Int("workers", c.numWorkers).
		Msg("timeout workers started")

	workCh := make(chan timer.TurnTimedOut, c.numWorkers*2)
	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < c.numWorkers; i++ {
		wg.Add(1)
		go c.worker(workerCtx, &wg, i, workCh)
	}

	defer func() {
		log.Info().Str("instance", c.instanceID).Msg("shutting down workers")
		cancelWorkers()
		close(workCh)
		wg.Wait()
		log.Info().Str("instance", c.instanceID).Msg("all workers shut down")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-c.sched.C():
			select {
			case workCh <- sig:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Coordinator) worker(ctx context.Context, wg *sync.WaitGroup, workerID int, workCh <-chan timer.TurnTimedOut) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-workCh:
			if !ok {
				return
			}
			err := c.HandleTimeout(ctx, sig)
			switch {
			case err == nil:
			case errors.Is(err, veto.ErrStaleTimeout):
				log.Debug().
					Err(err).
					Str("session_id", sig.SessionID.String()).
					Int("turn_index", sig.TurnIndex).
					Int("worker_id", workerID).
					Msg("discarded stale timeout")
			default:
				log.Error().
					Err(err).
					Str("session_id", sig.SessionID.String()).
					Int("turn_index", sig.TurnIndex).
					Str("instance", c.instanceID).
					Int("worker_id", workerID).
					Msg("worker timeout handling failed")
			}
		}
	}
}

// HandleTimeout resolves the turn sig was armed for with the auto resolver.
// If the session has moved on since, it returns an error wrapping
// veto.ErrStaleTimeout and changes nothing.
func (c *Coordinator) HandleTimeout(ctx context.Context, sig timer.TurnTimedOut) (err error) {
	ctx, span := c.startSpan(ctx, "HandleTimeout", sig.SessionID)
	defer func() {
		if errors.Is(err, veto.ErrStaleTimeout) {
			endSpan(span, nil)
			return
		}
		endSpan(span, err)
	}()

	unlock := c.locks.lock(sig.SessionID)
	defer unlock()

	s, err := c.load(ctx, sig.SessionID)
	if err != nil {
		return err
	}
	if s.Status != models.SessionStatusInProgress || s.TurnIndex != sig.TurnIndex {
		return fmt.Errorf("%w: armed for turn %d, session %s at turn %d", veto.ErrStaleTimeout, sig.TurnIndex, s.Status, s.TurnIndex)
	}

	a, err := c.resolver.Resolve(s)
	if err != nil {
		return fmt.Errorf("auto resolve: %w", err)
	}
	now := c.clock.Now()
	next, resolved, err := machine.Apply(s, a, now)
	if err != nil {
		return fmt.Errorf("apply timeout action: %w", err)
	}
	if err := c.commit(ctx, s, next, &resolved); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// resolved elsewhere; that writer owns the next turn's timer
			return fmt.Errorf("%w: turn %d committed by another writer", veto.ErrStaleTimeout, sig.TurnIndex)
		}
		// the turn must still resolve eventually
		c.sched.Arm(s.ID, s.TurnIndex, now.Add(c.retryDelay))
		return err
	}

	log.Info().
		Str("session_id", s.ID.String()).
		Int("turn_index", resolved.TurnIndex).
		Str("side", string(resolved.Side)).
		Str("map_id", resolved.MapID).
		Str("status", string(next.Status)).
		Msg("turn auto-resolved after timeout")
	return nil
}
