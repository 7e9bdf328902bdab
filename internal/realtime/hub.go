// Package realtime provides WebSocket fan-out for live session observers.
//
// Each monitored session is a room. Observers (the recruiter monitor view and
// the candidate client) subscribe to a session and receive the same stream of
// score updates, flags, and activity entries. Observers never get write
// access to risk state — the feed is strictly one-way.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proctorhq/vigil/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Role identifies the kind of observer holding a subscription.
type Role string

const (
	RoleMonitor   Role = "monitor"
	RoleCandidate Role = "candidate"
)

// MessageType for feed messages pushed to observers.
type MessageType string

const (
	MessageMetricsUpdate MessageType = "metrics_update"
	MessageFlag          MessageType = "flag"
	MessageActivity      MessageType = "activity"
	MessageStatus        MessageType = "status"
)

// Message is one feed frame: {type, timestamp, data}.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Client represents one observer's WebSocket connection.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	role      Role
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

type broadcastReq struct {
	sessionID string
	payload   []byte
}

// Hub manages observer connections grouped by session.
type Hub struct {
	sessions   map[string]map[*Client]bool
	broadcast  chan broadcastReq
	register   chan *Client
	unregister chan *Client
	closeRoom  chan string
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	inbound    func(sessionID string, raw []byte)

	// Stats
	totalMessages  atomic.Int64
	totalObservers atomic.Int64
	peakObservers  atomic.Int64
}

// NewHub creates a new observer hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Client]bool),
		broadcast:  make(chan broadcastReq, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		closeRoom:  make(chan string),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// SetInboundHandler registers the consumer for frames sent by candidate
// connections. Must be called before Run.
func (h *Hub) SetInboundHandler(fn func(sessionID string, raw []byte)) {
	h.inbound = fn
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing observer connections")
			h.mu.Lock()
			for _, room := range h.sessions {
				for client := range room {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
			}
			h.sessions = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			metrics.ActiveObservers.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			room := h.sessions[client.sessionID]
			if room == nil {
				room = make(map[*Client]bool)
				h.sessions[client.sessionID] = room
			}
			room[client] = true
			h.totalObservers.Add(1)
			n := h.countLocked()
			if n > h.peakObservers.Load() {
				h.peakObservers.Store(n)
			}
			h.mu.Unlock()
			metrics.ActiveObservers.Set(float64(n))
			h.logger.Info("observer connected",
				"session_id", client.sessionID,
				"role", client.role,
				"total", n,
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			n := h.countLocked()
			h.mu.Unlock()
			metrics.ActiveObservers.Set(float64(n))
			h.logger.Info("observer disconnected",
				"session_id", client.sessionID,
				"role", client.role,
				"total", n,
			)

		case sessionID := <-h.closeRoom:
			h.mu.Lock()
			room := h.sessions[sessionID]
			for client := range room {
				close(client.send)
			}
			delete(h.sessions, sessionID)
			n := h.countLocked()
			h.mu.Unlock()
			metrics.ActiveObservers.Set(float64(n))
			h.logger.Info("session room closed", "session_id", sessionID)

		case req := <-h.broadcast:
			h.totalMessages.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.sessions[req.sessionID] {
				select {
				case client.send <- req.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.dropClientLocked(client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// detach hands a client back to the run loop for unregistration. If the loop
// has already exited nothing drains unregister, so fall through on done.
func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// dropClientLocked removes a client from its room. Caller holds the write lock.
func (h *Hub) dropClientLocked(client *Client) {
	room := h.sessions[client.sessionID]
	if room == nil {
		return
	}
	if _, ok := room[client]; ok {
		delete(room, client)
		close(client.send)
	}
	if len(room) == 0 {
		delete(h.sessions, client.sessionID)
	}
}

func (h *Hub) countLocked() int64 {
	var n int64
	for _, room := range h.sessions {
		n += int64(len(room))
	}
	return n
}

// Broadcast sends a feed message to every observer of a session.
func (h *Hub) Broadcast(sessionID string, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to serialize feed message", "error", err)
		return
	}

	select {
	case h.broadcast <- broadcastReq{sessionID: sessionID, payload: payload}:
	case <-h.done:
	default:
		h.logger.Warn("broadcast channel full, dropping message",
			"session_id", sessionID, "type", msg.Type)
	}
}

// CloseSession disconnects all observers of a session. Called when the
// session completes so no dangling subscriptions keep receiving dispatch.
func (h *Hub) CloseSession(sessionID string) {
	select {
	case h.closeRoom <- sessionID:
	case <-h.done:
	}
}

// Running reports whether the hub's run loop is accepting connections.
func (h *Hub) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ConnectedObservers returns the connection count across all rooms.
func (h *Hub) ConnectedObservers() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// ObserverCount returns the number of observers for one session.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedObservers": h.countLocked(),
		"activeRooms":        len(h.sessions),
		"totalMessages":      h.totalMessages.Load(),
		"totalObservers":     h.totalObservers.Load(),
		"peakObservers":      h.peakObservers.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and joins the session room.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, sessionID string, role Role) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := h.countLocked()
	h.mu.RUnlock()
	if n >= int64(h.maxClients) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		role:      role,
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound frames and detects closure. Candidate
// frames are handed to the inbound handler; observer chatter is drained.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// Observers may send their own ping frames; treat them as liveness too.
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if c.role == RoleCandidate && c.hub.inbound != nil {
			c.hub.inbound(c.sessionID, raw)
		}
	}
}

// writePump writes feed messages to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
