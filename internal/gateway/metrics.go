package gateway

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks gateway-level counters using atomic operations for lock-free concurrency.
type Metrics struct {
	requests     atomic.Int64
	serverErrors atomic.Int64
	authFailures atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// RecordRequest records a served request and its outcome.
func (m *Metrics) RecordRequest(status int, latency time.Duration) {
	m.requests.Add(1)
	m.totalLatency.Add(int64(latency))
	if status >= http.StatusInternalServerError {
		m.serverErrors.Add(1)
	}
}

// RecordAuthFailure records a rejected admin request.
func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Add(1)
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	requests := m.requests.Load()
	snap := MetricsSnapshot{
		Requests:     requests,
		ServerErrors: m.serverErrors.Load(),
		AuthFailures: m.authFailures.Load(),
	}
	if requests > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load() / requests)
	}
	return snap
}

// MetricsSnapshot is a serializable point-in-time metrics view.
type MetricsSnapshot struct {
	Requests     int64         `json:"requests"`
	ServerErrors int64         `json:"server_errors"`
	AuthFailures int64         `json:"auth_failures"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
}

// statusRecorder captures the response code for RecordRequest.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records every request passing through next.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.RecordRequest(rec.status, time.Since(start))
	})
}
