// Package metrics provides Prometheus instrumentation for the round engine.
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
	// RoundsOpened counts rounds opened since process start.
	RoundsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoveryroom_rounds_opened_total",
		Help: "Total number of rounds opened",
	})

	// RoundsCompleted counts rounds resolved with a winner.
	RoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoveryroom_rounds_completed_total",
		Help: "Total number of rounds completed",
	})

	// CurrentRound tracks the identifier of the most recently opened round.
	CurrentRound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recoveryroom_current_round_id",
		Help: "Identifier of the current round",
	})

	// Participations counts accepted participation submissions.
	Participations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoveryroom_participations_total",
		Help: "Total accepted participation submissions",
	})

	// Entries counts submitted token entries, split by whether they carried weight.
	Entries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recoveryroom_entries_total",
		Help: "Total submitted token entries",
	}, []string{"weighted"})

	// Rejections counts operations rejected by a lifecycle rule, by operation
	// and reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recoveryroom_rejections_total",
		Help: "Operations rejected by a lifecycle rule",
	}, []string{"op", "reason"})

	// OracleRequestFailures counts randomness requests the oracle refused.
	OracleRequestFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoveryroom_oracle_request_failures_total",
		Help: "Randomness requests that failed to reach the oracle",
	})

	// RandomnessLatency measures the time from request to delivery.
	RandomnessLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recoveryroom_randomness_latency_seconds",
		Help:    "Time between randomness request and delivery",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 15, 30, 60, 300},
	})

	// DrawFallbacks counts draws decided by the last-candidate rule.
	DrawFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recoveryroom_draw_fallbacks_total",
		Help: "Draws whose target exceeded the cumulative weight",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recoveryroom_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recoveryroom_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recoveryroom_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so round and user IDs do not
// explode cardinality. Unmatched requests share one label.
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

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
