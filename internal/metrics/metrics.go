// Package metrics provides Prometheus instrumentation for the backtester.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts finished backtest runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_backtest_runs_total",
		Help: "Total number of backtest runs by terminal status",
	}, []string{"status"})

	// ActiveRuns tracks runs currently replaying.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_backtest_active_runs",
		Help: "Number of backtest runs in progress",
	})

	// TradesTotal counts trades applied to a ledger, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_trades_total",
		Help: "Total number of trades applied",
	}, []string{"action"})

	// DowngradesTotal counts instructions downgraded to HOLD.
	DowngradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_trade_downgrades_total",
		Help: "Instructions downgraded to HOLD by reason",
	}, []string{"reason"})

	// SkipsTotal counts instruments skipped for a day.
	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_instrument_skips_total",
		Help: "Instrument-days skipped by reason",
	}, []string{"reason"})

	// DayDuration tracks wall time spent replaying one trading day.
	DayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_backtest_day_duration_seconds",
		Help:    "Time spent replaying one trading day",
		Buckets: prometheus.DefBuckets,
	})

	// SignalLatency tracks collaborator latency per analyst.
	SignalLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_signal_latency_seconds",
		Help:    "Signal collaborator latency in seconds",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"analyst"})

	// CollaboratorRetries counts retried calls at the collaborator boundary.
	CollaboratorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_collaborator_retries_total",
		Help: "Retried calls to remote price or signal services",
	}, []string{"collaborator"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Route pattern keeps run IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
