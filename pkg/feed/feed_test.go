package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// feedServer is a minimal WebSocket endpoint that pushes canned frames
// and can drop connections on command.
type feedServer struct {
	t *testing.T

	mu    sync.Mutex
	conns []*websocket.Conn

	dials    atomic.Int64
	received chan []byte
}

func newFeedServer(t *testing.T) (*feedServer, *httptest.Server) {
	fs := &feedServer{t: t, received: make(chan []byte, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.dials.Add(1)
		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.mu.Unlock()
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				fs.received <- raw
			}
		}()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(fs.dropAll)
	return fs, srv
}

func (fs *feedServer) push(t *testing.T, payload interface{}) {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns)
	require.NoError(t, fs.conns[len(fs.conns)-1].WriteMessage(websocket.TextMessage, raw))
}

func (fs *feedServer) pushRaw(t *testing.T, raw string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.conns)
	require.NoError(t, fs.conns[len(fs.conns)-1].WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (fs *feedServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, conn := range fs.conns {
		_ = conn.Close()
	}
	fs.conns = nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannelReceivesMessages(t *testing.T) {
	fs, srv := newFeedServer(t)

	got := make(chan *Message, 8)
	mgr := NewManager(wsURL(srv))
	defer mgr.Close()

	ch, err := mgr.Open("sess_1", Options{
		OnMessage: func(msg *Message) { got <- msg },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ch.State().Connected
	}, 2*time.Second, 10*time.Millisecond)

	fs.push(t, map[string]interface{}{
		"type":      "metrics_update",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      map[string]interface{}{"score": 0.25},
	})

	select {
	case msg := <-got:
		assert.Equal(t, "metrics_update", msg.Type)
		var data map[string]float64
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, 0.25, data["score"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestChannelDropsMalformedFrames(t *testing.T) {
	fs, srv := newFeedServer(t)

	got := make(chan *Message, 8)
	mgr := NewManager(wsURL(srv))
	defer mgr.Close()

	ch, err := mgr.Open("sess_1", Options{
		OnMessage: func(msg *Message) { got <- msg },
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ch.State().Connected
	}, 2*time.Second, 10*time.Millisecond)

	fs.pushRaw(t, `not json at all`)
	fs.pushRaw(t, `{"timestamp":"2026-01-01T00:00:00Z"}`)
	fs.push(t, map[string]interface{}{
		"type":      "flag",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      map[string]interface{}{"flagType": "no_face"},
	})

	select {
	case msg := <-got:
		// Only the well-formed frame gets through.
		assert.Equal(t, "flag", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	assert.Empty(t, got)
}

func TestChannelReconnects(t *testing.T) {
	fs, srv := newFeedServer(t)

	var transitions []ConnectionState
	var tmu sync.Mutex
	mgr := NewManager(wsURL(srv))
	defer mgr.Close()

	// Heartbeat stays at the 30s default: the redial must be driven by the
	// reconnect delay alone, not by waiting out a heartbeat tick.
	ch, err := mgr.Open("sess_1", Options{
		ReconnectDelay: 20 * time.Millisecond,
		OnStatusChange: func(state ConnectionState) {
			tmu.Lock()
			transitions = append(transitions, state)
			tmu.Unlock()
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ch.State().Connected
	}, 2*time.Second, 10*time.Millisecond)

	fs.dropAll()

	require.Eventually(t, func() bool {
		return fs.dials.Load() >= 2 && ch.State().Connected
	}, 2*time.Second, 10*time.Millisecond)

	// Retry count holds through the flap and only clears once the new link
	// has stayed up for a reconnect window.
	require.Eventually(t, func() bool {
		st := ch.State()
		return st.Connected && st.RetryCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	tmu.Lock()
	defer tmu.Unlock()
	var sawReconnecting, sawFlappedOpen bool
	for _, st := range transitions {
		if st.Status == StatusReconnecting {
			sawReconnecting = true
		}
		if st.Status == StatusOpen && st.RetryCount > 0 {
			sawFlappedOpen = true
		}
	}
	assert.True(t, sawReconnecting)
	assert.True(t, sawFlappedOpen, "reopened link should still report its retry count")
	assert.Equal(t, StatusOpen, transitions[len(transitions)-1].Status)
}

func TestChannelRetriesUntilServerAppears(t *testing.T) {
	// Dial a port nobody listens on; the channel must keep retrying
	// with the fixed delay instead of giving up.
	mgr := NewManager("ws://127.0.0.1:1")
	defer mgr.Close()

	ch, err := mgr.Open("sess_1", Options{ReconnectDelay: 5 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ch.State().RetryCount >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, ch.State().Connected)

	ch.Close()
	assert.Equal(t, StatusClosed, ch.State().Status)
}

func TestChannelSend(t *testing.T) {
	fs, srv := newFeedServer(t)

	mgr := NewManager(wsURL(srv))
	defer mgr.Close()

	ch, err := mgr.Open("sess_1", Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ch.State().Connected
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Send(&Message{
		Type:      "activity",
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{"note":"hello"}`),
	}))

	select {
	case raw := <-fs.received:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "activity", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestManagerOneChannelPerSession(t *testing.T) {
	_, srv := newFeedServer(t)

	mgr := NewManager(wsURL(srv))
	defer mgr.Close()

	a, err := mgr.Open("sess_1", Options{})
	require.NoError(t, err)
	b, err := mgr.Open("sess_1", Options{})
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := mgr.Open("sess_2", Options{})
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	_, err = mgr.Open("", Options{})
	require.Error(t, err)

	// Closing a channel allows a fresh one for the same session.
	a.Close()
	d, err := mgr.Open("sess_1", Options{})
	require.NoError(t, err)
	assert.NotSame(t, a, d)
}
