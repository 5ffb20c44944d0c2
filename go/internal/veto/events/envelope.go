// Package events defines the realtime protocol of the veto engine.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
)

// EventType names a server to client message.
type EventType string

const (
	EventTypeSessionStarted   EventType = "SessionStarted"
	EventTypeTurnResolved     EventType = "TurnResolved"
	EventTypeSessionCompleted EventType = "SessionCompleted"
	EventTypeSessionAborted   EventType = "SessionAborted"
	EventTypeActionRejected   EventType = "ActionRejected"
	EventTypeSnapshot         EventType = "Snapshot"
)

// ClientMessageType names a client to server message.
type ClientMessageType string

const (
	ClientSubmitAction ClientMessageType = "SubmitAction"
	ClientSubscribe    ClientMessageType = "Subscribe"
)

// Envelope wraps every server message. Sequence is the session version
// after the transition, so clients can detect gaps and drop replays.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessage is the frame a websocket client sends.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// DedupeKey identifies the logical event independently of its envelope id.
func (e Envelope) DedupeKey() string {
	return fmt.Sprintf("%s:%d:%s", e.SessionID, e.Sequence, e.Type)
}

// New wraps payload for session s.
func New(t EventType, s models.VetoSession, ts time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: s.ID.String(),
		Sequence:  s.Version,
		Timestamp: ts,
		Data:      data,
	}, nil
}

// ForTransition builds the ordered events that describe prev becoming next.
// resolved is nil for transitions that did not resolve a turn.
func ForTransition(prev, next models.VetoSession, resolved *models.ResolvedAction, ts time.Time) ([]Envelope, error) {
	var out []Envelope
	add := func(t EventType, payload any) error {
		env, err := New(t, next, ts, payload)
		if err != nil {
			return err
		}
		out = append(out, env)
		return nil
	}

	if prev.Status == models.SessionStatusNotStarted && next.StartedAt != nil {
		started := SessionStartedPayload{
			SessionID:       next.ID.String(),
			MatchRef:        next.MatchRef,
			StartedAt:       *next.StartedAt,
			TurnDurationSec: int(next.TurnDuration / time.Second),
		}
		if len(next.Format) > 0 {
			started.Turn = next.Format[0]
		}
		if resolved == nil {
			started.NextDeadline = next.TurnDeadline
		}
		env, err := New(EventTypeSessionStarted, next, ts, started)
		if err != nil {
			return nil, err
		}
		// the started event precedes the turn resolved in the same transition
		if resolved != nil {
			env.Sequence = next.Version - 1
		}
		out = append(out, env)
	}

	if resolved != nil {
		payload := TurnResolvedPayload{
			SessionID:        next.ID.String(),
			ResolvedAction:   *resolved,
			CurrentTurnIndex: next.TurnIndex,
			NextDeadline:     next.TurnDeadline,
			RemainingMaps:    next.RemainingMaps,
		}
		if turn, ok := next.CurrentTurn(); ok && next.Status == models.SessionStatusInProgress {
			payload.NextTurn = &turn
		}
		if err := add(EventTypeTurnResolved, payload); err != nil {
			return nil, err
		}
	}

	switch {
	case next.Status == models.SessionStatusCompleted && prev.Status != models.SessionStatusCompleted:
		if err := add(EventTypeSessionCompleted, CompletedPayload(next)); err != nil {
			return nil, err
		}
	case next.Status == models.SessionStatusAborted && prev.Status != models.SessionStatusAborted:
		payload := SessionAbortedPayload{
			SessionID: next.ID.String(),
			MatchRef:  next.MatchRef,
			Reason:    next.AbortReason,
		}
		if next.AbortedAt != nil {
			payload.AbortedAt = *next.AbortedAt
		}
		if err := add(EventTypeSessionAborted, payload); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CompletedPayload builds the completion event for a COMPLETED session.
func CompletedPayload(s models.VetoSession) SessionCompletedPayload {
	p := SessionCompletedPayload{
		SessionID:    s.ID.String(),
		MatchRef:     s.MatchRef,
		FinalMaps:    s.FinalMaps,
		SeriesMaps:   s.SeriesMaps(),
		ResolvedMaps: s.ResolvedMaps,
	}
	if s.CompletedAt != nil {
		p.CompletedAt = *s.CompletedAt
	}
	return p
}

// Snapshot wraps the full session for a subscriber.
func Snapshot(s models.VetoSession, ts time.Time) (Envelope, error) {
	return New(EventTypeSnapshot, s, ts, SnapshotPayload{Session: s})
}

// Decode unmarshals the envelope data into T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return v, nil
}
