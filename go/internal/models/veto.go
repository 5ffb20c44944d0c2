package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Side identifies which team a turn belongs to.
type Side string

const (
	SideTeamA Side = "TEAM_A"
	SideTeamB Side = "TEAM_B"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideTeamA || s == SideTeamB
}

// ActionKind defines whether a turn removes a map or selects it.
type ActionKind string

const (
	ActionBan  ActionKind = "BAN"
	ActionPick ActionKind = "PICK"
)

func (k ActionKind) Valid() bool {
	return k == ActionBan || k == ActionPick
}

// ActionSource records who produced a resolved action.
type ActionSource string

const (
	SourceManual  ActionSource = "MANUAL"
	SourceTimeout ActionSource = "TIMEOUT"
)

// SessionStatus defines the lifecycle status of a veto session.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusAborted    SessionStatus = "ABORTED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAborted
}

// TurnSpec is one step of a veto format.
type TurnSpec struct {
	Side Side       `json:"side" yaml:"side"`
	Kind ActionKind `json:"kind" yaml:"kind"`
}

// VetoFormat is the fixed turn order of a session.
type VetoFormat []TurnSpec

// Action is a request to resolve the current turn.
type Action struct {
	Side    Side         `json:"acting_side"`
	Kind    ActionKind   `json:"action_kind"`
	MapID   string       `json:"map_id"`
	Source  ActionSource `json:"source"`
	ActorID string       `json:"actor_id"`
}

// ResolvedAction is one entry of the append-only action log.
type ResolvedAction struct {
	TurnIndex  int          `json:"turn_index"`
	MapID      string       `json:"map_id"`
	Kind       ActionKind   `json:"action_kind"`
	Side       Side         `json:"acting_side"`
	Source     ActionSource `json:"source"`
	ActorID    string       `json:"actor_id"`
	ResolvedAt time.Time    `json:"resolved_at"`
}

// VetoSession is the live instance of a veto for one match.
type VetoSession struct {
	ID            uuid.UUID        `json:"session_id"`
	MatchRef      string           `json:"match_ref"`
	TeamAID       string           `json:"team_a_id"`
	TeamBID       string           `json:"team_b_id"`
	Ruleset       string           `json:"ruleset"`
	Pool          MapPool          `json:"pool"`
	Format        VetoFormat       `json:"format"`
	TurnDuration  time.Duration    `json:"turn_duration"`
	RemainingMaps []string         `json:"remaining_maps"`
	ResolvedMaps  []ResolvedAction `json:"resolved_maps"`
	TurnIndex     int              `json:"current_turn_index"`
	Status        SessionStatus    `json:"status"`
	TurnDeadline  *time.Time       `json:"turn_deadline,omitempty"`
	FinalMaps     []string         `json:"final_maps,omitempty"`
	AbortReason   string           `json:"abort_reason,omitempty"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	AbortedAt     *time.Time       `json:"aborted_at,omitempty"`
}

// CurrentTurn returns the turn the session is waiting on, if any.
func (s VetoSession) CurrentTurn() (TurnSpec, bool) {
	if s.TurnIndex < 0 || s.TurnIndex >= len(s.Format) {
		return TurnSpec{}, false
	}
	return s.Format[s.TurnIndex], true
}

// TeamFor returns the team registered for side.
func (s VetoSession) TeamFor(side Side) string {
	switch side {
	case SideTeamA:
		return s.TeamAID
	case SideTeamB:
		return s.TeamBID
	}
	return ""
}

// SeriesMaps lists the maps to be played in order: picks first, then the deciders.
func (s VetoSession) SeriesMaps() []string {
	if s.Status != SessionStatusCompleted {
		return nil
	}
	maps := make([]string, 0, len(s.FinalMaps))
	for _, ra := range s.ResolvedMaps {
		if ra.Kind == ActionPick {
			maps = append(maps, ra.MapID)
		}
	}
	return append(maps, s.FinalMaps...)
}

// Clone returns a deep copy so callers never share slices with the owner.
// Empty slices stay empty rather than becoming nil.
func (s VetoSession) Clone() VetoSession {
	c := s
	c.Pool = s.Pool.Clone()
	c.Format = slices.Clone(s.Format)
	c.RemainingMaps = slices.Clone(s.RemainingMaps)
	c.ResolvedMaps = slices.Clone(s.ResolvedMaps)
	c.FinalMaps = slices.Clone(s.FinalMaps)
	c.TurnDeadline = cloneTime(s.TurnDeadline)
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.AbortedAt = cloneTime(s.AbortedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
