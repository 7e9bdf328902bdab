// Package metrics provides Prometheus instrumentation for the Vigil service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks sessions currently in the Active or Ending state.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "active_sessions",
			Help:      "Number of live monitored sessions.",
		},
	)

	// ActiveObservers tracks connected WebSocket observers across all sessions.
	ActiveObservers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Name:      "active_observers",
			Help:      "Number of connected WebSocket observers.",
		},
	)

	// FlagsTotal counts flag events applied to risk state, by flag type.
	FlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "flags_total",
			Help:      "Total flag events applied, by flag type.",
		},
		[]string{"type"},
	)

	// EventsIngestedTotal counts decoded telemetry events by category.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "events_ingested_total",
			Help:      "Total telemetry events decoded, by category.",
		},
		[]string{"type"},
	)

	// DecodeErrorsTotal counts envelopes dropped at ingestion.
	DecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "decode_errors_total",
			Help:      "Total malformed envelopes dropped at ingestion.",
		},
	)

	// FeedReconnectsTotal counts observer feed reconnect attempts.
	FeedReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "feed_reconnects_total",
			Help:      "Total observer feed reconnect attempts.",
		},
	)

	// SessionsCompletedTotal counts finalized sessions by risk level.
	SessionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Name:      "sessions_completed_total",
			Help:      "Total sessions finalized, by risk level.",
		},
		[]string{"level"},
	)

	// FinalRiskScore observes the finalized cumulative risk score per session.
	FinalRiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vigil",
			Name:      "final_risk_score",
			Help:      "Finalized cumulative risk score distribution.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		ActiveObservers,
		FlagsTotal,
		EventsIngestedTotal,
		DecodeErrorsTotal,
		FeedReconnectsTotal,
		SessionsCompletedTotal,
		FinalRiskScore,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
