package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/rs/zerolog/log"
)

const submitTimeout = 5 * time.Second

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID        string
	Actor     models.Actor
	SessionID uuid.UUID
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager

	handler *WebSocketHandler

	// guarded by Manager.mu
	snapshotSequence int64
	lastSequence     int64
	sentAtLast       map[events.EventType]bool
	closed           bool

	ConnectedAt time.Time
}

// accept reports whether env is new to this connection and records it.
// Everything up to the snapshot sequence is already part of the snapshot.
// Several events can share one sequence (TurnResolved and SessionCompleted
// of the last turn), so types already sent at the latest sequence are
// remembered as well.
func (c *Connection) accept(env events.Envelope) bool {
	switch {
	case env.Sequence <= c.snapshotSequence, env.Sequence < c.lastSequence:
		return false
	case env.Sequence == c.lastSequence:
		if c.sentAtLast[env.Type] {
			return false
		}
	default:
		c.lastSequence = env.Sequence
		clear(c.sentAtLast)
	}
	c.sentAtLast[env.Type] = true
	return true
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client
func (c *Connection) handleClientMessage(message []byte) {
	var msg events.ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.reject(fmt.Errorf("%w: malformed message", veto.ErrInvalidRequest))
		return
	}

	log.Debug().
		Str("connection_id", c.ID).
		Str("actor", c.Actor.ID).
		Str("type", string(msg.Type)).
		Msg("received client message")

	switch msg.Type {
	case events.ClientSubmitAction:
		var submit events.SubmitActionMessage
		if err := json.Unmarshal(msg.Data, &submit); err != nil {
			c.reject(fmt.Errorf("%w: malformed SubmitAction", veto.ErrInvalidRequest))
			return
		}
		if submit.SessionID != "" && submit.SessionID != c.SessionID.String() {
			c.reject(fmt.Errorf("%w: connection is bound to session %s", veto.ErrInvalidRequest, c.SessionID))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		_, err := c.handler.engine.SubmitAction(ctx, c.SessionID, c.Actor, models.Action{
			Side:  submit.ActingSide,
			Kind:  submit.ActionKind,
			MapID: submit.MapID,
		})
		if err != nil {
			c.reject(err)
		}

	case events.ClientSubscribe:
		// resync: a fresh snapshot, then only newer events
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := c.handler.resync(ctx, c); err != nil {
			c.reject(err)
		}

	default:
		c.reject(fmt.Errorf("%w: unknown message type %q", veto.ErrInvalidRequest, msg.Type))
	}
}

// reject sends ActionRejected to this connection only.
func (c *Connection) reject(err error) {
	kind := veto.KindOf(err)
	if kind == veto.KindInternal || errors.Is(err, veto.ErrPersistenceFailure) {
		log.Error().Err(err).Str("connection_id", c.ID).Str("session_id", c.SessionID.String()).Msg("action failed")
	}
	env, envErr := events.New(events.EventTypeActionRejected, models.VetoSession{ID: c.SessionID}, time.Now().UTC(), events.ActionRejectedPayload{
		SessionID: c.SessionID.String(),
		ErrorKind: kind,
		Message:   err.Error(),
	})
	if envErr != nil {
		log.Error().Err(envErr).Msg("failed to build ActionRejected")
		return
	}
	c.Manager.sendTo(c, env)
}
