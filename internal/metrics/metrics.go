// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// LoanOperations counts loan lifecycle operations by kind and outcome.
	LoanOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_loan_operations_total",
		Help: "Loan lifecycle operations executed",
	}, []string{"operation", "outcome"})

	// CollateralLocks counts collateral locks by asset type.
	CollateralLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_collateral_locks_total",
		Help: "Collateral locks performed",
	}, []string{"asset_type"})

	// CollateralReleases counts collateral unlocks and default claims.
	CollateralReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_collateral_releases_total",
		Help: "Collateral releases performed (unlock or claim)",
	}, []string{"kind"})

	// ReconciliationFailures counts best-effort escrow steps that failed and
	// were journaled for later reconciliation.
	ReconciliationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_reconciliation_failures_total",
		Help: "Best-effort escrow steps that failed after a successful ledger command",
	}, []string{"step"})

	// WebSocketClients tracks connected explorer WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected explorer WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
