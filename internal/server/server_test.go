package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/vigil/internal/config"
	"github.com/proctorhq/vigil/internal/risk"
	"github.com/proctorhq/vigil/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		FlagWeights:       config.DefaultFlagWeights(),
		HeartbeatInterval: config.DefaultHeartbeatInterval,
		ReconnectDelay:    config.DefaultReconnectDelay,
		EndGracePeriod:    20 * time.Millisecond,
		SessionTimeout:    config.DefaultSessionTimeout,
		ActivityCapacity:  config.DefaultActivityCapacity,
		RateLimitRPS:      1000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStores(session.NewMemoryStore(), risk.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func startSession(t *testing.T, srv *Server) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/api/live/start", gin.H{"candidateRef": "candidate-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	id, _ := body["sessionId"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestStartSession(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/live/start", gin.H{"candidateRef": "candidate-7"})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "active", body["status"])
	assert.True(t, strings.HasPrefix(body["sessionId"].(string), "sess_"))

	// Missing candidateRef rejected.
	w = doJSON(t, srv, http.MethodPost, "/api/live/start", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlagAndStop(t *testing.T) {
	srv := newTestServer(t)
	id := startSession(t, srv)

	for _, flagType := range []string{"looking_away", "no_face", "gaze_violation"} {
		w := doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/flag", gin.H{"flagType": flagType})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, srv, http.MethodGet, "/api/live/"+id+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decodeBody(t, w)["state"].(map[string]interface{})
	assert.InDelta(t, 0.35, state["score"].(float64), 1e-9)
	assert.Equal(t, float64(3), state["totalFlags"])
	assert.Equal(t, "MEDIUM", state["level"])

	w = doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/stop", gin.H{"durationMs": 2700000})
	require.Equal(t, http.StatusOK, w.Code)
	verdict := decodeBody(t, w)
	assert.Equal(t, 0.35, verdict["riskScore"])
	assert.Equal(t, "MEDIUM", verdict["riskLevel"])
	assert.Equal(t, float64(3), verdict["totalFlags"])
	assert.Contains(t, verdict["recommendation"], "Manual review")
	assert.Equal(t, float64(2700000), verdict["durationMs"])

	// Stop is idempotent while the session is still live.
	w = doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.35, decodeBody(t, w)["riskScore"])
}

func TestIngestEvents(t *testing.T) {
	srv := newTestServer(t)
	id := startSession(t, srv)

	envelope := gin.H{
		"type":      "flag",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      gin.H{"flagType": "multi_face", "severity": 0.20},
	}
	w := doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/events", envelope)
	require.Equal(t, http.StatusAccepted, w.Code)
	state := decodeBody(t, w)["state"].(map[string]interface{})
	assert.InDelta(t, 0.20, state["score"].(float64), 1e-9)

	// Unknown envelope type rejected without disturbing state.
	w = doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/events", gin.H{
		"type":      "keystrokes",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      gin.H{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/live/"+id+"/activity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestSessionNotFoundAndBadID(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/live/sess_0123456789abcdef01234567/flag", gin.H{"flagType": "no_face"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/live/not-an-id/flag", gin.H{"flagType": "no_face"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAndGetSessions(t *testing.T) {
	srv := newTestServer(t)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, startSession(t, srv))
	}

	w := doJSON(t, srv, http.MethodGet, "/api/sessions?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, true, body["hasMore"])
	next, _ := body["nextCursor"].(string)
	require.NotEmpty(t, next)

	w = doJSON(t, srv, http.MethodGet, "/api/sessions?limit=2&cursor="+next, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, false, body["hasMore"])

	w = doJSON(t, srv, http.MethodGet, "/api/sessions/"+ids[0], nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeBody(t, w)
	sess := detail["session"].(map[string]interface{})
	assert.Equal(t, ids[0], sess["id"])
	assert.Equal(t, "active", sess["status"])

	w = doJSON(t, srv, http.MethodGet, "/api/sessions?cursor=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)
	id := startSession(t, srv)

	// Live session cannot be deleted.
	w := doJSON(t, srv, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
		sess := decodeBody(t, w)["session"].(map[string]interface{})
		return sess["status"] == "completed"
	}, time.Second, 5*time.Millisecond)

	// Completed detail includes the verdict.
	w = doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w), "verdict")

	w = doJSON(t, srv, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started.
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "vigil_active_sessions")
}

func TestObserverWebSocketFeed(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := startSession(t, srv)

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/live/"+id, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return srv.Hub().ObserverCount(id) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, srv, http.MethodPost, "/api/live/"+id+"/flag", gin.H{"flagType": "no_face"})
	require.Equal(t, http.StatusOK, w.Code)

	// The observer sees the flag and then the refreshed score.
	types := map[string]bool{}
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		types[msg.Type] = true
	}
	assert.True(t, types["flag"])
	assert.True(t, types["metrics_update"])

	// Subscribing to an unknown session fails before the upgrade.
	resp, err := http.Get(ts.URL + "/ws/live/sess_0123456789abcdef01234567")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCandidateWebSocketIngestion(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := startSession(t, srv)

	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/session/"+id, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	envelope := fmt.Sprintf(
		`{"type":"flag","timestamp":%q,"data":{"flagType":"looking_away","severity":0.10}}`,
		time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(envelope)))

	require.Eventually(t, func() bool {
		w := doJSON(t, srv, http.MethodGet, "/api/live/"+id+"/state", nil)
		if w.Code != http.StatusOK {
			return false
		}
		state := decodeBody(t, w)["state"].(map[string]interface{})
		return state["totalFlags"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)
}
