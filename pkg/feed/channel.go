package feed

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// Channel is one resilient feed connection for a single session.
type Channel struct {
	url       string
	sessionID string
	opts      Options
	dialer    *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	state  ConnectionState
	closed bool

	done chan struct{}
	outq chan []byte
}

func newChannel(url, sessionID string, opts Options) *Channel {
	return &Channel{
		url:       url,
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     ConnectionState{Status: StatusConnecting},
		done:      make(chan struct{}),
		outq:      make(chan []byte, 64),
	}
}

// SessionID returns the session this channel observes.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// State returns a snapshot of the channel's link health.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues one frame for delivery. Returns an error when the channel
// is closed or the outbound queue is saturated; queued frames survive a
// reconnect.
func (c *Channel) Send(msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("channel closed")
	default:
	}
	select {
	case c.outq <- raw:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// Close tears the channel down and stops all reconnect attempts.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	c.setStatus(StatusClosed, false)
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run is the connection loop: dial, pump until the link drops, wait the
// fixed reconnect delay, repeat. Only Close ends the loop.
func (c *Channel) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			c.opts.Logger.Warn("feed dial failed",
				"session_id", c.sessionID, "error", err)
			c.bumpRetry()
			if !c.waitReconnect() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state.Status = StatusOpen
		c.state.Connected = true
		c.state.LastActivityAt = time.Now().UTC()
		state := c.state
		c.mu.Unlock()
		c.notify(state)

		// The retry counter only clears once the link has held for a full
		// reconnect window, so a flapping endpoint keeps reporting retries.
		settle := time.AfterFunc(c.opts.ReconnectDelay, c.settleRetry)
		c.pump(conn)
		settle.Stop()

		c.mu.Lock()
		c.conn = nil
		alreadyClosed := c.closed
		c.mu.Unlock()
		if alreadyClosed {
			return
		}

		c.bumpRetry()
		if !c.waitReconnect() {
			return
		}
	}
}

// pump reads and writes until the connection errors out.
func (c *Channel) pump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-readDone:
				return
			case raw := <-c.outq:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.opts.Logger.Warn("feed read error",
					"session_id", c.sessionID, "error", err)
			}
			break
		}
		c.touch()

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.opts.Logger.Warn("malformed feed frame dropped",
				"session_id", c.sessionID)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(&msg)
		}
	}

	_ = conn.Close()
	close(readDone)
	<-writeDone
}

// waitReconnect sleeps the fixed delay; false means the channel closed.
func (c *Channel) waitReconnect() bool {
	select {
	case <-c.done:
		return false
	case <-time.After(c.opts.ReconnectDelay):
		return true
	}
}

// settleRetry zeroes the retry counter after the connection has stayed up
// long enough to count as recovered.
func (c *Channel) settleRetry() {
	c.mu.Lock()
	if !c.state.Connected || c.state.RetryCount == 0 {
		c.mu.Unlock()
		return
	}
	c.state.RetryCount = 0
	state := c.state
	c.mu.Unlock()
	c.notify(state)
}

func (c *Channel) bumpRetry() {
	c.mu.Lock()
	c.state.Status = StatusReconnecting
	c.state.Connected = false
	c.state.RetryCount++
	state := c.state
	c.mu.Unlock()
	c.notify(state)
}

func (c *Channel) setStatus(status Status, connected bool) {
	c.mu.Lock()
	c.state.Status = status
	c.state.Connected = connected
	state := c.state
	c.mu.Unlock()
	c.notify(state)
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.state.LastActivityAt = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Channel) notify(state ConnectionState) {
	if c.opts.OnStatusChange != nil {
		c.opts.OnStatusChange(state)
	}
}
