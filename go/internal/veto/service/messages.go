package service

import (
	"github.com/mcdev12/veto/go/internal/models"
)

// Request and response messages of veto.v1.VetoService. They travel as
// JSON over the connect protocol.

type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	MatchRef  string `json:"match_ref"`
	TeamAID   string `json:"team_a_id,omitempty"`
	TeamBID   string `json:"team_b_id,omitempty"`
	Ruleset   string `json:"ruleset,omitempty"`
	// Start moves the session to IN_PROGRESS right away.
	Start bool `json:"start,omitempty"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

type AbortSessionRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type SubmitActionRequest struct {
	SessionID  string            `json:"session_id"`
	ActingSide models.Side       `json:"acting_side"`
	ActionKind models.ActionKind `json:"action_kind"`
	MapID      string            `json:"map_id"`
}

type SessionResponse struct {
	Session models.VetoSession `json:"session"`
}

type ListActiveSessionsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListActiveSessionsResponse struct {
	Sessions []models.VetoSession `json:"sessions"`
}

type ActionLogResponse struct {
	SessionID string                  `json:"session_id"`
	Actions   []models.ResolvedAction `json:"actions"`
}

type VerifySessionResponse struct {
	SessionID  string `json:"session_id"`
	Consistent bool   `json:"consistent"`
	Detail     string `json:"detail,omitempty"`
}
