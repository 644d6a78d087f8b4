package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "praetor",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	AgentRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "agent_runs_total",
		Help:      "Total agent runs by outcome.",
	}, []string{"outcome"})

	AgentTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "agent_turns_total",
		Help:      "Total agent turns by outcome (completed, deferred, failed).",
	}, []string{"outcome"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "approvals_total",
		Help:      "Total approval decisions by status (approved, rejected).",
	}, []string{"status"})

	ApprovalWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "praetor",
		Name:      "approval_wait_duration_seconds",
		Help:      "Time spent waiting for a human approval decision.",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
	})

	ApprovalRemindersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "approval_reminders_total",
		Help:      "Total pending-approval reminder notifications sent.",
	})

	ActivityFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "praetor",
		Name:      "activity_failures_total",
		Help:      "Total activity failures by activity name.",
	}, []string{"activity"})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath buckets URL paths to avoid high cardinality.
// It keeps the first two path segments and replaces the rest with a placeholder.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	switch {
	case p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	}
	// For API paths like /v1/sessions/abc123/approvals, keep /v1/sessions
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
