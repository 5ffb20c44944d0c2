// Package veto holds the error taxonomy shared by the veto engine packages.
package veto

import "errors"

var (
	ErrSessionNotActive   = errors.New("session not active")
	ErrAlreadyStarted     = errors.New("session already started")
	ErrWrongTurn          = errors.New("wrong turn")
	ErrWrongActionKind    = errors.New("wrong action kind")
	ErrMapNotAvailable    = errors.New("map not available")
	ErrUnauthorizedActor  = errors.New("unauthorized actor")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrStaleTimeout is internal only: a timer fired for a turn that was already resolved.
	ErrStaleTimeout = errors.New("stale timeout")

	// ErrInvalidRequest covers malformed input that never reaches the state machine.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrReplayMismatch means the persisted action log does not reproduce the stored snapshot.
	ErrReplayMismatch = errors.New("replay mismatch")
)

// ErrorKind is the wire name of an error, as carried in ActionRejected.
type ErrorKind string

const (
	KindSessionNotActive   ErrorKind = "SessionNotActive"
	KindAlreadyStarted     ErrorKind = "AlreadyStarted"
	KindWrongTurn          ErrorKind = "WrongTurn"
	KindWrongActionKind    ErrorKind = "WrongActionKind"
	KindMapNotAvailable    ErrorKind = "MapNotAvailable"
	KindUnauthorizedActor  ErrorKind = "UnauthorizedActor"
	KindSessionNotFound    ErrorKind = "SessionNotFound"
	KindPersistenceFailure ErrorKind = "PersistenceFailure"
	KindInvalidRequest     ErrorKind = "InvalidRequest"
	KindInternal           ErrorKind = "Internal"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSessionNotActive, KindSessionNotActive},
	{ErrAlreadyStarted, KindAlreadyStarted},
	{ErrWrongTurn, KindWrongTurn},
	{ErrWrongActionKind, KindWrongActionKind},
	{ErrMapNotAvailable, KindMapNotAvailable},
	{ErrUnauthorizedActor, KindUnauthorizedActor},
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrPersistenceFailure, KindPersistenceFailure},
	{ErrInvalidRequest, KindInvalidRequest},
}

// KindOf maps err to its wire kind. Unknown errors are reported as Internal.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
