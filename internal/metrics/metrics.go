// Package metrics provides Prometheus instrumentation for the portfolio engine.
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
	// TransactionsTotal counts committed transactions, partitioned by type.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_transactions_total",
		Help: "Total number of committed transactions",
	}, []string{"type"})

	TransactionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_transaction_latency_seconds",
		Help:    "Transaction processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TransactionRejections counts trades and cash movements rejected by the
	// accounting rules, partitioned by error code.
	TransactionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_transaction_rejections_total",
		Help: "Operations rejected by accounting rules",
	}, []string{"code"})

	// ReversalsTotal counts reversed transactions by the type of the reversed
	// transaction.
	ReversalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_reversals_total",
		Help: "Total number of reversed transactions",
	}, []string{"type"})

	// PriceLookups counts price resolutions by outcome: hit, fetched,
	// price_unavailable or error.
	PriceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_price_lookups_total",
		Help: "Price lookups by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_http_request_duration_seconds",
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
