// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/proctorhq/vigil/internal/config"
	"github.com/proctorhq/vigil/internal/health"
	"github.com/proctorhq/vigil/internal/logging"
	"github.com/proctorhq/vigil/internal/metrics"
	"github.com/proctorhq/vigil/internal/ratelimit"
	"github.com/proctorhq/vigil/internal/realtime"
	"github.com/proctorhq/vigil/internal/risk"
	"github.com/proctorhq/vigil/internal/security"
	"github.com/proctorhq/vigil/internal/session"
	"github.com/proctorhq/vigil/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	coordinator  *session.Coordinator
	sessions     session.Store
	verdicts     risk.Store
	hub          *realtime.Hub
	sessionTimer *session.Timer
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStores injects session and verdict stores (for testing)
func WithStores(sessions session.Store, verdicts risk.Store) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.verdicts = verdicts
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.sessions == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.sessions = session.NewPostgresStore(db)

			verdictStore := risk.NewPostgresStore(db)
			if err := verdictStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate verdict store", "error", err)
			}
			s.verdicts = verdictStore

			s.checks.Register("database", health.DatabaseChecker(db))
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.sessions = session.NewMemoryStore()
			s.verdicts = risk.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Realtime hub for observer streaming
	s.hub = realtime.NewHub(s.logger)
	s.checks.Register("realtime", health.HubChecker(s.hub.Running, s.hub.ConnectedObservers))

	// Session coordinator owns scoring and lifecycle
	coordinator, err := session.NewCoordinator(
		s.sessions,
		s.verdicts,
		s.hub,
		risk.Weights(cfg.FlagWeights),
		s.logger,
		session.WithGracePeriod(cfg.EndGracePeriod),
		session.WithSessionTimeout(cfg.SessionTimeout),
		session.WithActivityCapacity(cfg.ActivityCapacity),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session coordinator: %w", err)
	}
	s.coordinator = coordinator

	// Candidate frames flow straight into the ingestion pipeline
	s.hub.SetInboundHandler(func(sessionID string, raw []byte) {
		_, _, _ = s.coordinator.Ingest(context.Background(), sessionID, raw)
	})

	// Idle-session reaper
	s.sessionTimer = session.NewTimer(s.coordinator)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithSessionID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	api := s.router.Group("/api")

	// Live session control
	live := api.Group("/live")
	live.Use(validation.SessionParamMiddleware())
	{
		live.POST("/start", s.startSessionHandler)
		live.POST("/:id/events", s.ingestEventHandler)
		live.POST("/:id/flag", s.submitFlagHandler)
		live.POST("/:id/stop", s.stopSessionHandler)
		live.GET("/:id/state", s.riskStateHandler)
		live.GET("/:id/activity", s.activityHandler)
	}

	// Session records
	records := api.Group("/sessions")
	records.Use(validation.SessionParamMiddleware())
	{
		records.GET("", s.listSessionsHandler)
		records.GET("/:id", s.getSessionHandler)
		records.DELETE("/:id", s.deleteSessionHandler)
	}

	// WebSocket feeds. Monitors receive the fan-out; candidates also
	// push telemetry frames upstream.
	s.router.GET("/ws/live/:id", validation.SessionParamMiddleware(), s.observerSocketHandler(realtime.RoleMonitor))
	s.router.GET("/ws/session/:id", validation.SessionParamMiddleware(), s.observerSocketHandler(realtime.RoleCandidate))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start idle-session reaper
	go s.sessionTimer.Start(runCtx)

	// Start DB pool stats collector
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Finalize live sessions before connections drop so no verdict is lost
	shutdownCtx, cancelFinalize := context.WithTimeout(context.Background(), 10*time.Second)
	s.coordinator.Shutdown(shutdownCtx)
	cancelFinalize()

	// Cancel the context for all background goroutines (hub, reaper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop idle-session reaper
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.logger.Info("session reaper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Coordinator returns the session coordinator for testing
func (s *Server) Coordinator() *session.Coordinator {
	return s.coordinator
}

// Hub returns the realtime hub for testing
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
