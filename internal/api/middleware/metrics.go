// Package middleware provides HTTP middleware components for the compaction
// accelerator's HTTP servers. This file contains Prometheus metrics
// middleware for observability.
package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxypilot_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxypilot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpRequestSizeBytes tracks the size of HTTP request bodies.
	httpRequestSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxypilot_http_request_size_bytes",
			Help:    "Size of HTTP request bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8), // 100B to 10GB
		},
		[]string{"method", "path"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxypilot_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8), // 100B to 10GB
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of currently active connections.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxypilot_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	// activeConnectionsCount provides atomic access to the connection count.
	activeConnectionsCount int64

	// conversationsByPhase tracks the number of tracked conversations
	// currently in each BufferEngine phase.
	conversationsByPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxypilot_conversations_by_phase",
			Help: "Number of tracked conversations currently in each buffer engine phase",
		},
		[]string{"phase"},
	)

	// checkpointAttemptsTotal counts checkpoint attempts by outcome.
	checkpointAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxypilot_checkpoint_attempts_total",
			Help: "Total checkpoint attempts grouped by outcome",
		},
		[]string{"outcome"}, // success, upstream_error, network_error, cancelled, too_small
	)

	// swapsTotal counts completed compaction swaps.
	swapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxypilot_swaps_total",
			Help: "Total number of compact requests served from a pre-computed checkpoint",
		},
	)

	// forwardedCompactsTotal counts compact requests forwarded upstream
	// because no checkpoint was ready.
	forwardedCompactsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxypilot_forwarded_compacts_total",
			Help: "Total number of compact requests forwarded upstream with no checkpoint ready",
		},
	)

	// checkpointDurationSeconds tracks how long successful checkpoint
	// summarization calls take.
	checkpointDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxypilot_checkpoint_duration_seconds",
			Help:    "Duration of successful checkpoint summarization calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestSizeBytes,
		httpResponseSizeBytes,
		activeConnections,
		conversationsByPhase,
		checkpointAttemptsTotal,
		swapsTotal,
		forwardedCompactsTotal,
		checkpointDurationSeconds,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count, duration, and active connections.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		atomic.AddInt64(&activeConnectionsCount, 1)
		activeConnections.Inc()
		defer func() {
			atomic.AddInt64(&activeConnectionsCount, -1)
			activeConnections.Dec()
		}()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method

		if c.Request.ContentLength > 0 {
			httpRequestSizeBytes.WithLabelValues(method, path).Observe(float64(c.Request.ContentLength))
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(duration)

		responseSize := c.Writer.Size()
		if responseSize > 0 {
			httpResponseSizeBytes.WithLabelValues(method, path).Observe(float64(responseSize))
		}
	}
}

// normalizePath normalizes URL paths to prevent high cardinality in metrics.
func normalizePath(path string) string {
	switch {
	case path == "/":
		return "/"
	case path == "/health":
		return "/health"
	case path == "/metrics":
		return "/metrics"
	case path == "/v1/chat/completions":
		return "/v1/chat/completions"
	case path == "/v1/completions":
		return "/v1/completions"
	case path == "/v1/messages":
		return "/v1/messages"
	case path == "/v1/responses":
		return "/v1/responses"
	case len(path) >= 20 && path[:20] == "/dashboard/api/conve":
		return "/dashboard/api/conversation/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// GetActiveConnections returns the current number of active connections.
func GetActiveConnections() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// SetConversationsByPhase replaces the phase gauge vector with the given
// counts, called on each tick of cmd/proxy's periodic store snapshot scan.
func SetConversationsByPhase(counts map[string]int) {
	if !IsMetricsEnabled() {
		return
	}
	conversationsByPhase.Reset()
	for phase, n := range counts {
		conversationsByPhase.WithLabelValues(phase).Set(float64(n))
	}
}

// RecordCheckpointOutcome increments the checkpoint-attempts counter for the
// given outcome ("success", "upstream_error", "network_error", "cancelled",
// "too_small").
func RecordCheckpointOutcome(outcome string) {
	if !IsMetricsEnabled() {
		return
	}
	checkpointAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordCheckpointDuration records the wall-clock duration of a successful
// checkpoint summarization call.
func RecordCheckpointDuration(seconds float64) {
	if !IsMetricsEnabled() {
		return
	}
	checkpointDurationSeconds.Observe(seconds)
}

// RecordSwap increments the swap counter for a compact request served from a
// pre-computed checkpoint.
func RecordSwap() {
	if !IsMetricsEnabled() {
		return
	}
	swapsTotal.Inc()
}

// RecordForwardedCompact increments the counter for a compact request
// forwarded upstream because no checkpoint was ready.
func RecordForwardedCompact() {
	if !IsMetricsEnabled() {
		return
	}
	forwardedCompactsTotal.Inc()
}
