package events

import (
	"time"

	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
)

// Event payload types shared between the coordinator, gateway and relay.

// SessionStartedPayload is sent when a session enters IN_PROGRESS.
type SessionStartedPayload struct {
	SessionID        string          `json:"session_id"`
	MatchRef         string          `json:"match_ref"`
	CurrentTurnIndex int             `json:"current_turn_index"`
	Turn             models.TurnSpec `json:"turn"`
	NextDeadline     *time.Time      `json:"next_deadline,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	TurnDurationSec  int             `json:"turn_duration_sec"`
}

// TurnResolvedPayload is sent for every accepted action, manual or timeout.
type TurnResolvedPayload struct {
	SessionID        string                `json:"session_id"`
	ResolvedAction   models.ResolvedAction `json:"resolved_action"`
	CurrentTurnIndex int                   `json:"current_turn_index"`
	NextDeadline     *time.Time            `json:"next_deadline,omitempty"`
	NextTurn         *models.TurnSpec      `json:"next_turn,omitempty"`
	RemainingMaps    []string              `json:"remaining_maps"`
}

// SessionCompletedPayload is sent once the last turn resolves. It is also
// the event the match system consumes to advance its own schedule.
type SessionCompletedPayload struct {
	SessionID    string                  `json:"session_id"`
	MatchRef     string                  `json:"match_ref"`
	FinalMaps    []string                `json:"final_maps"`
	SeriesMaps   []string                `json:"series_maps"`
	ResolvedMaps []models.ResolvedAction `json:"resolved_maps"`
	CompletedAt  time.Time               `json:"completed_at"`
}

// SessionAbortedPayload is sent after an administrative abort.
type SessionAbortedPayload struct {
	SessionID string    `json:"session_id"`
	MatchRef  string    `json:"match_ref"`
	Reason    string    `json:"reason"`
	AbortedAt time.Time `json:"aborted_at"`
}

// ActionRejectedPayload goes only to the client whose submission failed.
type ActionRejectedPayload struct {
	SessionID string         `json:"session_id"`
	ErrorKind veto.ErrorKind `json:"error_kind"`
	Message   string         `json:"message,omitempty"`
}

// SnapshotPayload answers a Subscribe before any live event is delivered.
type SnapshotPayload struct {
	Session models.VetoSession `json:"session"`
}

// SubmitActionMessage is the client request to resolve the current turn.
// The caller's identity is attached by the transport, never carried here.
// An empty acting_side means the side of the caller's team.
type SubmitActionMessage struct {
	SessionID  string            `json:"session_id"`
	ActingSide models.Side       `json:"acting_side,omitempty"`
	ActionKind models.ActionKind `json:"action_kind"`
	MapID      string            `json:"map_id"`
}

// SubscribeMessage asks for the current snapshot followed by live events.
type SubscribeMessage struct {
	SessionID string `json:"session_id"`
}
