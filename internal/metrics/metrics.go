// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// SettlementsTotal counts settlement attempts by outcome
	// (filled, pending, rejected, error).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementLatency tracks the time to settle one order, by direction.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_settlement_latency_seconds",
		Help:    "Single-order settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeVolume tracks cumulative filled shares per security and direction.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_trade_volume_shares_total",
		Help: "Cumulative filled volume in shares",
	}, []string{"security", "direction"})

	// OrdersCreated counts orders created from decision instructions.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_orders_created_total",
		Help: "Orders created from instructions",
	}, []string{"direction"})

	// InstructionsRejected counts instructions dropped by validation.
	InstructionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_instructions_rejected_total",
		Help: "Instructions dropped by order validation",
	})

	// LoopIterations counts scheduler loop iterations by loop and result
	// (ok, error, panic, paused).
	LoopIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_loop_iterations_total",
		Help: "Scheduler loop iterations",
	}, []string{"loop", "result"})

	// DecisionLatency tracks policy call latency by result.
	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_decision_latency_seconds",
		Help:    "Decision policy latency in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"result"})

	// PendingOrders tracks the pending-order backlog seen by the last sweep.
	PendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_pending_orders",
		Help: "Pending orders at the start of the last settlement sweep",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
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
