package machine

import (
	"fmt"
	"slices"
	"time"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
)

// Replay rebuilds a session from its immutable header and its action log.
//
// Only identity, format, pool and the start/abort timestamps are read from
// stored; everything else is recomputed by running log through Apply.
func Replay(stored models.VetoSession, log []models.ResolvedAction) (models.VetoSession, error) {
	cur, err := New(stored.ID, Params{
		MatchRef:     stored.MatchRef,
		TeamAID:      stored.TeamAID,
		TeamBID:      stored.TeamBID,
		Ruleset:      stored.Ruleset,
		Pool:         stored.Pool,
		Format:       stored.Format,
		TurnDuration: stored.TurnDuration,
	}, stored.CreatedAt)
	if err != nil {
		return models.VetoSession{}, fmt.Errorf("rebuild header: %w", err)
	}

	if stored.StartedAt != nil {
		if cur, err = Start(cur, *stored.StartedAt); err != nil {
			return models.VetoSession{}, err
		}
	} else if len(log) > 0 {
		return models.VetoSession{}, fmt.Errorf("%w: %d actions on a session that never started", veto.ErrReplayMismatch, len(log))
	}

	for i, ra := range log {
		if ra.TurnIndex != i {
			return models.VetoSession{}, fmt.Errorf("%w: log entry %d has turn index %d", veto.ErrReplayMismatch, i, ra.TurnIndex)
		}
		cur, _, err = Apply(cur, models.Action{
			Side:    ra.Side,
			Kind:    ra.Kind,
			MapID:   ra.MapID,
			Source:  ra.Source,
			ActorID: ra.ActorID,
		}, ra.ResolvedAt)
		if err != nil {
			return models.VetoSession{}, fmt.Errorf("%w: turn %d: %v", veto.ErrReplayMismatch, i, err)
		}
	}

	if stored.Status == models.SessionStatusAborted {
		if stored.AbortedAt == nil {
			return models.VetoSession{}, fmt.Errorf("%w: aborted session without aborted_at", veto.ErrReplayMismatch)
		}
		if cur, err = Abort(cur, stored.AbortReason, *stored.AbortedAt); err != nil {
			return models.VetoSession{}, fmt.Errorf("%w: %v", veto.ErrReplayMismatch, err)
		}
	}
	return cur, nil
}

// Verify replays log and checks the result against stored.
func Verify(stored models.VetoSession, log []models.ResolvedAction) error {
	replayed, err := Replay(stored, log)
	if err != nil {
		return err
	}
	return Equivalent(stored, replayed)
}

// Equivalent reports the first field where two snapshots disagree.
func Equivalent(a, b models.VetoSession) error {
	switch {
	case a.ID != b.ID:
		return mismatch("session_id", a.ID, b.ID)
	case a.Status != b.Status:
		return mismatch("status", a.Status, b.Status)
	case a.TurnIndex != b.TurnIndex:
		return mismatch("current_turn_index", a.TurnIndex, b.TurnIndex)
	case a.Version != b.Version:
		return mismatch("version", a.Version, b.Version)
	case !slices.Equal(a.RemainingMaps, b.RemainingMaps):
		return mismatch("remaining_maps", a.RemainingMaps, b.RemainingMaps)
	case !slices.Equal(a.FinalMaps, b.FinalMaps):
		return mismatch("final_maps", a.FinalMaps, b.FinalMaps)
	case a.AbortReason != b.AbortReason:
		return mismatch("abort_reason", a.AbortReason, b.AbortReason)
	case !timesEqual(a.TurnDeadline, b.TurnDeadline):
		return mismatch("turn_deadline", a.TurnDeadline, b.TurnDeadline)
	case !timesEqual(a.CompletedAt, b.CompletedAt):
		return mismatch("completed_at", a.CompletedAt, b.CompletedAt)
	case len(a.ResolvedMaps) != len(b.ResolvedMaps):
		return mismatch("len(resolved_maps)", len(a.ResolvedMaps), len(b.ResolvedMaps))
	}
	for i := range a.ResolvedMaps {
		x, y := a.ResolvedMaps[i], b.ResolvedMaps[i]
		if x.TurnIndex != y.TurnIndex || x.MapID != y.MapID || x.Kind != y.Kind ||
			x.Side != y.Side || x.Source != y.Source || x.ActorID != y.ActorID ||
			!x.ResolvedAt.Equal(y.ResolvedAt) {
			return mismatch(fmt.Sprintf("resolved_maps[%d]", i), x, y)
		}
	}
	return nil
}

func mismatch(field string, stored, replayed any) error {
	return fmt.Errorf("%w: %s stored=%v replayed=%v", veto.ErrReplayMismatch, field, stored, replayed)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
