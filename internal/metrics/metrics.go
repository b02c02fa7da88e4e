// Package metrics provides Prometheus instrumentation for the CDP engine.
package metrics

import (
	"bufio"
	"errors"
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
	// OperationsTotal counts committed protocol operations by kind and token.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_operations_total",
		Help: "Total number of committed protocol operations",
	}, []string{"op", "token"})

	// OperationLatency tracks protocol operation latency, including rejected calls.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_operation_latency_seconds",
		Help:    "Protocol operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RejectionsTotal counts operations rejected by a precondition.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_rejections_total",
		Help: "Protocol operations rejected by a precondition",
	}, []string{"op"})

	// StableMinted tracks cumulative Stable minted per collateral token.
	StableMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_stable_minted_total",
		Help: "Cumulative Stable minted",
	}, []string{"token"})

	// StableBurned tracks cumulative Stable burned per collateral token.
	StableBurned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_stable_burned_total",
		Help: "Cumulative Stable burned",
	}, []string{"token"})

	// FeesCollected tracks cumulative deposit fees routed to the rewards pool.
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_deposit_fees_total",
		Help: "Cumulative collateral routed to the rewards pool as deposit fees",
	}, []string{"token"})

	// PoolCollateral tracks the pooled collateral of each vault.
	PoolCollateral = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdp_pool_collateral",
		Help: "Pooled collateral held by a vault",
	}, []string{"token"})

	// TotalShares tracks the outstanding shares of each vault.
	TotalShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdp_total_shares",
		Help: "Outstanding vault shares",
	}, []string{"token"})

	// StableSupply tracks the total Stable supply.
	StableSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_stable_supply",
		Help: "Total Stable supply",
	})

	// PersistFailures counts store writes that failed after a commit.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdp_persist_failures_total",
		Help: "Store writes that failed after the ledger committed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdp_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
