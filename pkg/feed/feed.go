// Package feed provides the observer-side client for a session's live
// telemetry feed. A Channel maintains one WebSocket to the server,
// heartbeats it, and transparently reconnects with a fixed delay when
// the link drops. Consumers see decoded messages and connection status
// changes through callbacks; they never touch the socket.
package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults mirror the server's lifecycle settings.
const (
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// Status is the channel's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Message is one decoded feed frame.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ConnectionState is a snapshot of a channel's link health.
type ConnectionState struct {
	Status         Status    `json:"status"`
	Connected      bool      `json:"connected"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	RetryCount     int       `json:"retryCount"`
}

// Options configures a Channel.
type Options struct {
	// ReconnectDelay is the fixed pause between reconnect attempts.
	// Attempts continue indefinitely until Close.
	ReconnectDelay time.Duration

	// HeartbeatInterval is how often the channel pings the server.
	HeartbeatInterval time.Duration

	Logger *slog.Logger

	// OnMessage receives every well-formed frame. Malformed frames are
	// dropped with a log line and never reach the callback.
	OnMessage func(msg *Message)

	// OnStatusChange fires on every connection state transition.
	OnStatusChange func(state ConnectionState)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = DefaultReconnectDelay
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Manager enforces at most one channel per session within a process.
// Opening a session that already has a channel returns the existing one.
type Manager struct {
	baseURL string

	mu       sync.Mutex
	channels map[string]*Channel
}

// NewManager creates a channel registry for the given server base URL,
// e.g. "ws://localhost:8080".
func NewManager(baseURL string) *Manager {
	return &Manager{
		baseURL:  baseURL,
		channels: make(map[string]*Channel),
	}
}

// Open returns the session's channel, dialing a new one if none exists.
func (m *Manager) Open(sessionID string, opts Options) (*Channel, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[sessionID]; ok && !ch.isClosed() {
		return ch, nil
	}
	ch := newChannel(m.baseURL+"/ws/live/"+sessionID, sessionID, opts)
	m.channels[sessionID] = ch
	go ch.run()
	return ch, nil
}

// Close tears down every open channel.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
