// Package metrics provides Prometheus instrumentation for the market engine.
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
	// BetsPlaced counts bets placed, partitioned by type and pricing model.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_bets_placed_total",
		Help: "Total number of bets placed",
	}, []string{"type", "pricing_model"})

	// BetLatency tracks the duration of the bet placement unit of work.
	BetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outcomex_bet_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// BetsCancelled counts cancelled bets by type.
	BetsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_bets_cancelled_total",
		Help: "Total number of bets cancelled",
	}, []string{"type"})

	// BetRejections counts bets refused before execution, by reason.
	BetRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_bet_rejections_total",
		Help: "Bets rejected by validation, slippage, duplicate or limit checks",
	}, []string{"reason"})

	// MarketVolume tracks cumulative money traded per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_market_volume_total",
		Help: "Cumulative traded amount",
	}, []string{"market_id", "type"})

	// Payouts counts payouts by kind and final status.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_payouts_total",
		Help: "Payouts executed by kind and status",
	}, []string{"kind", "status"})

	// MarketsResolved counts resolved and cancelled markets.
	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_markets_settled_total",
		Help: "Markets settled, by final status",
	}, []string{"status"})

	// ActiveMarkets tracks the number of markets open for trading.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outcomex_active_markets",
		Help: "Number of markets currently open for trading",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outcomex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outcomex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outcomex_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The chi route pattern keeps the path label low-cardinality.
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
