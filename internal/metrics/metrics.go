// Package metrics provides Prometheus instrumentation for keyshield.
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
			Namespace: "keyshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SigningRoundsTotal counts interactor rounds by factor source kind.
	SigningRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyshield",
			Name:      "signing_rounds_total",
			Help:      "Total signing rounds driven, one per factor source kind.",
		},
		[]string{"kind"},
	)

	// FactorNeglectsTotal counts neglected factor sources by kind and reason.
	FactorNeglectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyshield",
			Name:      "factor_neglects_total",
			Help:      "Total factor sources neglected, by kind and reason.",
		},
		[]string{"kind", "reason"},
	)

	// SigningOutcomesTotal counts transactions by final signing result.
	SigningOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyshield",
			Name:      "signing_outcomes_total",
			Help:      "Total transactions partitioned by signing result.",
		},
		[]string{"result"},
	)

	// RecoveryVariantsTotal counts recovery operations by winning variant.
	RecoveryVariantsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyshield",
			Name:      "recovery_variants_total",
			Help:      "Total recovery operations by chosen role combination (or \"none\").",
		},
		[]string{"variant"},
	)

	// ShieldBuildsTotal counts shield builds by result.
	ShieldBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyshield",
			Name:      "shield_builds_total",
			Help:      "Total security shield builds by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keyshield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keyshield", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "keyshield", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SigningRoundsTotal,
		FactorNeglectsTotal,
		SigningOutcomesTotal,
		RecoveryVariantsTotal,
		ShieldBuildsTotal,
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
			c.FullPath(), // route pattern keeps cardinality bounded
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
