// ABOUTME: Prometheus collectors for thread state writes, conflicts, and HTTP traffic
// ABOUTME: Registered on the default registry and served by promhttp on the metrics path

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "coven"
	subsystem = "state"
)

var (
	// StateWritesTotal counts write outcomes: ok, conflict, not_found,
	// unbound, unavailable, error.
	StateWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Total thread state writes by outcome",
		},
		[]string{"outcome"},
	)

	// WriteAttempts observes how many optimistic attempts a write needed.
	WriteAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "write_attempts",
			Help:      "Optimistic attempts per thread state write",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// LineageConflictsTotal counts appends that lost the head race.
	LineageConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lineage_conflicts_total",
			Help:      "Appends rejected because another writer advanced the head",
		},
	)

	// ExecutorDuration observes executor step latency by assistant type.
	ExecutorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executor_duration_seconds",
			Help:      "Executor step duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"assistant_type"},
	)

	// AssistantCacheTotal counts assistant resolution cache lookups.
	AssistantCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "assistant_cache_total",
			Help:      "Assistant resolution cache lookups by result",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts API requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes API latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExecutor records one executor step.
func ObserveExecutor(assistantType string, started time.Time) {
	ExecutorDuration.WithLabelValues(assistantType).Observe(time.Since(started).Seconds())
}

// ObserveHTTP records one API request.
func ObserveHTTP(method, route string, status int, started time.Time) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}
