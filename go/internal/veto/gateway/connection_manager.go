// Package gateway is the realtime edge of the veto engine: websocket
// connections per session, ordered fan-out of accepted events, and
// submission of actions from connected players.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/veto/go/internal/veto/events"
	"github.com/rs/zerolog/log"
)

// ConnectionManager tracks websocket connections per session and fans
// session events out to them.
type ConnectionManager struct {
	sessionConnections map[uuid.UUID]map[*Connection]bool
	mu                 sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// origins are enforced by the CORS layer in front of the gateway
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessionConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// registerConnection adds a connection that has already seen every event up
// to and including sequence. A connection that was closed stays closed.
func (cm *ConnectionManager) registerConnection(conn *Connection, sequence int64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.closed {
		return false
	}
	conn.snapshotSequence = sequence
	conn.lastSequence = sequence
	conn.sentAtLast = make(map[events.EventType]bool)
	if cm.sessionConnections[conn.SessionID] == nil {
		cm.sessionConnections[conn.SessionID] = make(map[*Connection]bool)
	}
	cm.sessionConnections[conn.SessionID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID.String()).
		Int("total_connections", len(cm.sessionConnections[conn.SessionID])).
		Msg("connection registered")
	return true
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.sessionConnections[conn.SessionID]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			conn.closed = true
			close(conn.Send)

			if len(connections) == 0 {
				delete(cm.sessionConnections, conn.SessionID)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("actor", conn.Actor.ID).
				Str("session_id", conn.SessionID.String()).
				Msg("connection unregistered")
		}
	}
}

// Broadcast delivers envs, in order, to every connection of the session.
//
// It never blocks: a connection whose send buffer is full is closed, and
// the client resubscribes to get a fresh snapshot. Events a connection has
// already seen, either through its snapshot or an earlier delivery, are
// skipped.
func (cm *ConnectionManager) Broadcast(sessionID uuid.UUID, envs []events.Envelope) {
	if len(envs) == 0 {
		return
	}
	payloads := make([][]byte, len(envs))
	for i, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			log.Error().Err(err).Str("event_type", string(env.Type)).Msg("failed to marshal event for broadcast")
			return
		}
		payloads[i] = data
	}

	cm.mu.Lock()
	var slow []*Connection
	delivered := 0
conns:
	for conn := range cm.sessionConnections[sessionID] {
		for i, env := range envs {
			if !conn.accept(env) {
				continue
			}
			select {
			case conn.Send <- payloads[i]:
				delivered++
			default:
				slow = append(slow, conn)
				continue conns
			}
		}
	}
	cm.mu.Unlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("actor", conn.Actor.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Int("events", len(envs)).
		Int("deliveries", delivered).
		Msg("events broadcasted")
}

// sendTo queues env for one connection only, bypassing sequence tracking.
func (cm *ConnectionManager) sendTo(conn *Connection, env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(env.Type)).Msg("failed to marshal direct event")
		return
	}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if !cm.sessionConnections[conn.SessionID][conn] {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("connection send buffer full, dropping direct event")
	}
}

// ConnectionStats is returned by the stats endpoint.
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	SessionConnections map[string]int `json:"session_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveSessions:     len(cm.sessionConnections),
		SessionConnections: make(map[string]int, len(cm.sessionConnections)),
	}
	for sessionID, connections := range cm.sessionConnections {
		stats.TotalConnections += len(connections)
		stats.SessionConnections[sessionID.String()] = len(connections)
	}
	return stats
}

// CloseAll disconnects every client. Used on shutdown.
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.sessionConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}
