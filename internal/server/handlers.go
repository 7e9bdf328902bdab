package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proctorhq/vigil/internal/events"
	"github.com/proctorhq/vigil/internal/health"
	"github.com/proctorhq/vigil/internal/logging"
	"github.com/proctorhq/vigil/internal/pagination"
	"github.com/proctorhq/vigil/internal/realtime"
	"github.com/proctorhq/vigil/internal/session"
	"github.com/proctorhq/vigil/internal/validation"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	maxActivityItems = 50
)

// startSessionHandler handles POST /api/live/start
func (s *Server) startSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		CandidateRef string `json:"candidateRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "candidateRef is required",
		})
		return
	}

	req.CandidateRef = validation.SanitizeString(req.CandidateRef, 256)
	if errs := validation.Validate(
		validation.Required("candidateRef", req.CandidateRef),
		validation.MaxLength("candidateRef", req.CandidateRef, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	sess, err := s.coordinator.Start(ctx, req.CandidateRef)
	if err != nil {
		logging.L(ctx).Error("failed to start session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to start session",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"startedAt": sess.StartedAt,
	})
}

// ingestEventHandler handles POST /api/live/:id/events.
// The body is one raw telemetry envelope: {type, timestamp, data}.
func (s *Server) ingestEventHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	ev, state, err := s.coordinator.Ingest(ctx, sessionID, raw)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event": ev,
		"state": state,
	})
}

// submitFlagHandler handles POST /api/live/:id/flag for detector backends
// that report flags over plain HTTP instead of the feed.
func (s *Server) submitFlagHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	var req struct {
		FlagType  string     `json:"flagType" binding:"required"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "flagType is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidFlagType("flagType", req.FlagType),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	at := time.Time{}
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	state, err := s.coordinator.SubmitFlag(ctx, sessionID, req.FlagType, at)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"state":     state,
	})
}

// stopSessionHandler handles POST /api/live/:id/stop and returns the
// finalized risk snapshot.
func (s *Server) stopSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	var req struct {
		DurationMs int64 `json:"durationMs"`
	}
	// Body is optional; duration falls back to wall-clock session length.
	_ = c.ShouldBindJSON(&req)
	if req.DurationMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "durationMs must not be negative",
		})
		return
	}

	verdict, err := s.coordinator.End(ctx, sessionID, time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":      verdict.SessionID,
		"riskScore":      verdict.Score,
		"riskLevel":      verdict.Level,
		"totalFlags":     verdict.TotalFlags,
		"recommendation": verdict.Recommendation,
		"durationMs":     verdict.Duration.Milliseconds(),
		"finalizedAt":    verdict.FinalizedAt,
	})
}

// riskStateHandler handles GET /api/live/:id/state
func (s *Server) riskStateHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	state, err := s.coordinator.RiskState(ctx, sessionID)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"state":     state,
	})
}

// activityHandler handles GET /api/live/:id/activity
func (s *Server) activityHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	limit := maxActivityItems
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		if n < limit {
			limit = n
		}
	}

	recent, err := s.coordinator.Activity(ctx, sessionID, limit)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"events":    recent,
		"count":     len(recent),
	})
}

// listSessionsHandler handles GET /api/sessions with cursor pagination
func (s *Server) listSessionsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra row to compute has_more.
	items, err := s.sessions.List(ctx, limit+1, cursor)
	if err != nil {
		logging.L(ctx).Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list sessions",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(items, limit, func(sess *session.Session) (time.Time, string) {
		return sess.CreatedAt, sess.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"sessions":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// getSessionHandler handles GET /api/sessions/:id. Completed sessions
// include their verdict.
func (s *Server) getSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := s.coordinator.Get(ctx, sessionID)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	resp := gin.H{"session": sess}
	if sess.Status == session.StatusCompleted || sess.Status == session.StatusEnding {
		if verdict, err := s.coordinator.Verdict(ctx, sessionID); err == nil {
			resp["verdict"] = verdict
		}
	}
	resp["observers"] = s.hub.ObserverCount(sessionID)

	c.JSON(http.StatusOK, resp)
}

// deleteSessionHandler handles DELETE /api/sessions/:id
func (s *Server) deleteSessionHandler(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	if err := s.coordinator.Delete(ctx, sessionID); err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"deleted":   true,
	})
}

// observerSocketHandler upgrades GET /ws/live/:id and /ws/session/:id
func (s *Server) observerSocketHandler(role realtime.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sessionID := c.Param("id")

		if err := s.coordinator.CanSubscribe(ctx, sessionID); err != nil {
			s.sessionError(c, err)
			return
		}

		s.hub.HandleWebSocket(c.Writer, c.Request, sessionID, role)
	}
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Vigil",
		"description": "Live interview telemetry and risk aggregation",
		"version":     "0.1.0",
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// sessionError maps coordinator errors to HTTP responses.
func (s *Server) sessionError(c *gin.Context, err error) {
	var decodeErr *events.DecodeError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No session with this id",
		})
	case errors.Is(err, session.ErrAlreadyEnded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_completed",
			"message": "Session has already completed",
		})
	case errors.Is(err, session.ErrNotLive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_not_live",
			"message": "Session is not accepting events",
		})
	case errors.Is(err, session.ErrNotDeletable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_live",
			"message": "Only completed sessions can be deleted",
		})
	case errors.As(err, &decodeErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": decodeErr.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
