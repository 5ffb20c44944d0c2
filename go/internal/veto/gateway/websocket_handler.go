package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mcdev12/veto/go/internal/models"
	"github.com/mcdev12/veto/go/internal/veto"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/rs/zerolog/log"
)

var errConnectionClosed = errors.New("connection closed")

// Engine is the part of the coordinator the gateway drives.
type Engine interface {
	GetState(ctx context.Context, id uuid.UUID) (models.VetoSession, error)
	Subscribe(ctx context.Context, id uuid.UUID, fn func(models.VetoSession) error) error
	SubmitAction(ctx context.Context, id uuid.UUID, actor models.Actor, a models.Action) (models.VetoSession, error)
}

// ActorResolver turns a transport credential into an actor.
type ActorResolver interface {
	Resolve(ctx context.Context, token string) (models.Actor, error)
}

// WebSocketHandler handles WebSocket upgrade requests for session connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	engine            Engine
	resolver          ActorResolver
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, engine Engine, resolver ActorResolver) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		engine:            engine,
		resolver:          resolver,
	}
}

// HandleSessionConnection upgrades a request for /ws/sessions/{sessionID}.
// The first frame is a Snapshot; live events follow.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "invalid session id format", http.StatusBadRequest)
		return
	}

	actor, err := h.resolver.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if _, err := h.engine.GetState(r.Context(), sessionID); err != nil {
		if errors.Is(err, veto.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to load session for connection")
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	ws, err := h.connectionManager.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to upgrade WebSocket connection")
		return
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		Actor:       actor,
		SessionID:   sessionID,
		Conn:        ws,
		Send:        make(chan []byte, h.connectionManager.config.SendBufferSize),
		Manager:     h.connectionManager,
		handler:     h,
		ConnectedAt: time.Now(),
	}
	if err := h.resync(r.Context(), conn); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to subscribe connection")
		ws.Close()
		return
	}

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("actor", actor.ID).
		Str("role", string(actor.Role)).
		Str("session_id", sessionID.String()).
		Msg("WebSocket connection established")
}

// resync registers conn and queues a snapshot while the session lock is
// held, so the snapshot is causally after every event already broadcast and
// before every event that follows.
func (h *WebSocketHandler) resync(ctx context.Context, conn *Connection) error {
	return h.engine.Subscribe(ctx, conn.SessionID, func(s models.VetoSession) error {
		snap, err := events.Snapshot(s, time.Now().UTC())
		if err != nil {
			return err
		}
		if !h.connectionManager.registerConnection(conn, s.Version) {
			return errConnectionClosed
		}
		h.connectionManager.sendTo(conn, snap)
		return nil
	})
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes on r.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}", h.HandleSessionConnection)
	r.Get("/ws/stats", h.HandleConnectionStats)
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter because browsers cannot set headers on websocket requests.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
