// Package metrics provides Prometheus instrumentation for the duel engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DuelTransitions counts escrow state transitions by target state.
	DuelTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_transitions_total",
		Help: "Escrow state transitions by resulting state",
	}, []string{"state"})

	// EscrowVolume tracks wager units moved by the ledger, by kind.
	EscrowVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_escrow_volume_total",
		Help: "Wager units moved by the escrow ledger",
	}, []string{"kind"}) // escrowed, payout, fee, refund

	// ResolveOutcomes counts resolve calls by outcome.
	ResolveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_resolve_total",
		Help: "Resolve attempts by outcome",
	}, []string{"outcome"}) // settled, already_resolved, tie, failed

	// ResolveLatency tracks end-to-end resolve latency.
	ResolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "duel_resolve_latency_seconds",
		Help:    "Resolve latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveDuels tracks duels with the clock running, refreshed by the sweeper.
	ActiveDuels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_active",
		Help: "Number of currently active duels",
	})

	// JournalInserts counts trade journal writes by result.
	JournalInserts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_journal_inserts_total",
		Help: "Trade journal insert attempts",
	}, []string{"result"}) // inserted, duplicate

	// Notifications counts activity notifications by result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_notifications_total",
		Help: "Activity notifications by delivery result",
	}, []string{"result"}) // delivered, dropped, queue_full

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duel_http_request_duration_seconds",
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

		// Route pattern keeps duel IDs out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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
