// Package validator authorizes actors before any game rule is evaluated.
package validator

import (
	"fmt"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
)

// Validator checks that the transport-level identity may act for a side.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// AuthorizeTurn returns ErrUnauthorizedActor unless actor is a player
// registered for side in session. Viewers, anonymous connections and
// admins never act for a team.
func (v *Validator) AuthorizeTurn(session models.VetoSession, actor models.Actor, side models.Side) error {
	if actor.Role != models.RolePlayer {
		return fmt.Errorf("%w: role %q cannot submit actions", veto.ErrUnauthorizedActor, actor.Role)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", veto.ErrUnauthorizedActor, side)
	}
	team := session.TeamFor(side)
	if actor.TeamID == "" || actor.TeamID != team {
		return fmt.Errorf("%w: actor %s is not registered for %s", veto.ErrUnauthorizedActor, actor.ID, side)
	}
	return nil
}

// AuthorizeAdmin guards start and abort.
func (v *Validator) AuthorizeAdmin(actor models.Actor) error {
	if actor.Role != models.RoleAdmin {
		return fmt.Errorf("%w: admin role required", veto.ErrUnauthorizedActor)
	}
	return nil
}

// SideOf returns the side actor plays for in session.
func (v *Validator) SideOf(session models.VetoSession, actor models.Actor) (models.Side, bool) {
	switch {
	case actor.TeamID == "":
		return "", false
	case actor.TeamID == session.TeamAID:
		return models.SideTeamA, true
	case actor.TeamID == session.TeamBID:
		return models.SideTeamB, true
	}
	return "", false
}
