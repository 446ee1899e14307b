// Package metrics provides Prometheus instrumentation for the facilitator.
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
			Namespace: "facilitator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facilitator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthorizationsTotal counts authorizations by current status.
	AuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "authorizations_total",
			Help:      "Total authorizations recorded, by status.",
		},
		[]string{"status"},
	)

	// SettlementBatchesTotal counts settlement batches by final status.
	SettlementBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "settlement_batches_total",
			Help:      "Total settlement batches created, by status.",
		},
		[]string{"status"},
	)

	// DisputesTotal counts disputes by resolution outcome.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "disputes_total",
			Help:      "Total disputes recorded, by outcome (pending, approved, rejected).",
		},
		[]string{"outcome"},
	)

	// QueueBacklog tracks the current number of validated authorizations
	// awaiting settlement across all agent/merchant pairs.
	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "facilitator",
			Name:      "settlement_queue_backlog",
			Help:      "Number of validated authorizations awaiting settlement.",
		},
	)

	// BatchSize observes the number of authorizations per settlement batch.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Name:      "settlement_batch_size",
		Help:      "Number of authorizations per settlement batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// BatchAmount observes the total minor-unit amount per settlement batch.
	BatchAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Name:      "settlement_batch_amount",
		Help:      "Total amount (minor units) per settlement batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 10, 8),
	})

	// SettlementDuration observes the time from batch creation to settlement.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facilitator",
		Name:      "settlement_duration_seconds",
		Help:      "Time from batch creation to completion in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
	// ActiveWebSocketClients tracks connected dashboard event-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facilitator", Name: "websocket_clients",
		Help: "Current number of connected WebSocket dashboard clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthorizationsTotal,
		SettlementBatchesTotal,
		DisputesTotal,
		QueueBacklog,
		BatchSize,
		BatchAmount,
		SettlementDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		ActiveWebSocketClients,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
