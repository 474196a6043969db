// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts executed orders, partitioned by side.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easyfin_orders_total",
		Help: "Total number of orders executed",
	}, []string{"side"})

	// OrderLatency tracks execution latency from validation to commit.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyfin_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrderRejections counts rejected orders by side and reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easyfin_order_rejections_total",
		Help: "Orders rejected before execution",
	}, []string{"side", "reason"})

	// TradedVolume tracks cumulative executed quantity per ticker.
	TradedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easyfin_traded_volume_total",
		Help: "Cumulative executed quantity in shares",
	}, []string{"ticker", "side"})

	// PriceUpdates counts noise-walk rounds applied to the instrument catalogue.
	PriceUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "easyfin_price_updates_total",
		Help: "Number of quote noise rounds applied",
	})

	// ActiveSessions reports the live sessions of the session store
	// registered with SetSessionCounter, read at scrape time.
	ActiveSessions = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "easyfin_active_sessions",
		Help: "Number of open login sessions",
	}, countSessions)

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "easyfin_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "easyfin_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyfin_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

var sessionCounter struct {
	sync.RWMutex
	fn func() float64
}

// SetSessionCounter registers the function ActiveSessions reports. It
// should return NaN when the count cannot be read.
func SetSessionCounter(fn func() float64) {
	sessionCounter.Lock()
	defer sessionCounter.Unlock()
	sessionCounter.fn = fn
}

func countSessions() float64 {
	sessionCounter.RLock()
	defer sessionCounter.RUnlock()
	if sessionCounter.fn == nil {
		return 0
	}
	return sessionCounter.fn()
}

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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern to keep cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the WebSocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
