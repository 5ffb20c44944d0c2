package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const recoveryParallelism = 8

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Recovered int
	// Quarantined sessions failed the replay check. They are not armed and
	// need an operator.
	Quarantined int
}

// Recover loads every IN_PROGRESS session, checks its action log replays to
// the stored snapshot and rearms its turn timer. Deadlines that passed while
// the process was down fire immediately.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	sessions, err := c.store.ListSessions(ctx, models.SessionStatusInProgress, 0)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list in-progress sessions: %w", err)
	}

	var recovered, quarantined atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, s := range sessions {
		g.Go(func() error {
			unlock := c.locks.lock(s.ID)
			defer unlock()

			if err := c.verifyLocked(gctx, s.ID); err != nil {
				quarantined.Add(1)
				log.Error().
					Err(err).
					Str("session_id", s.ID.String()).
					Msg("session failed replay check, not rearming")
				return nil
			}

			current, err := c.store.GetSession(gctx, s.ID)
			if err != nil {
				return fmt.Errorf("reload session %s: %w", s.ID, err)
			}
			if current.Status != models.SessionStatusInProgress || current.TurnDeadline == nil {
				return nil
			}
			c.sched.Arm(current.ID, current.TurnIndex, *current.TurnDeadline)
			recovered.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RecoveryReport{}, err
	}

	report := RecoveryReport{Recovered: int(recovered.Load()), Quarantined: int(quarantined.Load())}
	log.Info().
		Int("recovered", report.Recovered).
		Int("quarantined", report.Quarantined).
		Str("instance", c.instanceID).
		Msg("recovered in-progress sessions")
	return report, nil
}
