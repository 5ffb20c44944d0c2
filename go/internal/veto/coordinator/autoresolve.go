package coordinator

import (
	"errors"
	"slices"

	"github.com/mcdev12/veto/go/internal/models"
)

// AutoResolver picks the action taken when a turn expires.
type AutoResolver interface {
	Resolve(s models.VetoSession) (models.Action, error)
}

// PoolOrderResolver takes the first remaining map in pool declaration order,
// with the side and kind of the current turn. The choice depends only on the
// snapshot, so a timed out log replays to the same result.
type PoolOrderResolver struct{}

func (PoolOrderResolver) Resolve(s models.VetoSession) (models.Action, error) {
	turn, ok := s.CurrentTurn()
	if !ok {
		return models.Action{}, errors.New("session has no current turn")
	}
	for _, m := range s.Pool.Maps {
		if slices.Contains(s.RemainingMaps, m) {
			return models.Action{
				Side:    turn.Side,
				Kind:    turn.Kind,
				MapID:   m,
				Source:  models.SourceTimeout,
				ActorID: models.SystemTimeoutActor,
			}, nil
		}
	}
	return models.Action{}, errors.New("no remaining map to resolve")
}
