package models

// Role is what an authenticated identity may do within a session.
type Role string

const (
	RoleViewer Role = "viewer"
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Actor is the identity attached at the transport boundary.
type Actor struct {
	ID     string `json:"id"`
	TeamID string `json:"team_id,omitempty"`
	Role   Role   `json:"role"`
}

// Anonymous is the actor used for connections without credentials.
var Anonymous = Actor{ID: "anonymous", Role: RoleViewer}

// SystemTimeoutActor is recorded on actions synthesized after a turn expires.
const SystemTimeoutActor = "system:timeout"
