package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Synchronizer Metrics
var (
	// RefreshTotal counts list re-fetches by what triggered them and how they ended
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marks_refresh_total",
			Help: "Bookmark list re-fetches by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// RefreshDuration tracks how long a full list fetch takes
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marks_refresh_duration_seconds",
			Help:    "Bookmark list fetch duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// RemoteErrorsTotal counts classified capability failures
	RemoteErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marks_remote_errors_total",
			Help: "Remote capability failures by error kind",
		},
		[]string{"kind"},
	)

	// WritesTotal counts add and delete requests by result
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marks_writes_total",
			Help: "Bookmark writes by operation and result",
		},
		[]string{"operation", "result"},
	)

	// FeedReconnectsTotal counts change feed re-subscriptions after a drop
	FeedReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marks_feed_reconnects_total",
			Help: "Change feed re-subscriptions after a failure",
		},
	)

	// FeedsCurrent tracks open change feed subscriptions
	FeedsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marks_feeds_current",
			Help: "Open change feed subscriptions",
		},
	)
)

// Live Channel Metrics
var (
	// LiveConnectionsCurrent tracks connected browser tabs
	LiveConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marks_live_connections_current",
			Help: "Current websocket connections",
		},
	)

	// LiveFramesDropped counts state frames skipped for slow clients
	LiveFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marks_live_frames_dropped_total",
			Help: "State frames dropped because the client was slow",
		},
	)
)

// Backend Metrics
var (
	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marks_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	// RedisOpsTotal tracks Redis operations by operation and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marks_redis_operations_total",
			Help: "Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// HTTP Metrics
var (
	// HTTPRequestsTotal counts requests by method and status class
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marks_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)
)
