// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Approval engine
var (
	// ApprovalActionsTotal counts processed actions by outcome code ("ok" on success).
	ApprovalActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_approval_actions_total",
			Help: "Approval actions processed, by entity type, action and outcome",
		},
		[]string{"entity_type", "action", "outcome"},
	)

	ApprovalActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procurement_approval_action_duration_seconds",
			Help:    "Approval action latency including the database transaction",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"entity_type", "action"},
	)

	// ApprovalTransitionsTotal counts committed workflow state changes.
	ApprovalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_approval_transitions_total",
			Help: "Committed workflow transitions, by entity type and resulting workflow status",
		},
		[]string{"entity_type", "status"},
	)

	AuditFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_approval_audit_failures_total",
			Help: "Audit snapshots that could not be written",
		},
		[]string{"entity_type", "action"},
	)
)

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procurement_approval_http_requests_total",
			Help: "HTTP requests, by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procurement_approval_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveAction records one engine call.
func ObserveAction(entityType, action, outcome string, elapsed time.Duration) {
	ApprovalActionsTotal.WithLabelValues(entityType, action, outcome).Inc()
	ApprovalActionDuration.WithLabelValues(entityType, action).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHandler records request count and latency under a fixed route label.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
