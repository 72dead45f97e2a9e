// Package metrics provides Prometheus metrics for the reconciliation loop.
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
	// Poll cycle metrics
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywatch_polls_total",
			Help: "Total number of remote poll cycles by result",
		},
		[]string{"result"},
	)

	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaywatch_poll_duration_seconds",
			Help:    "Remote poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	changedIDs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaywatch_batch_size",
			Help:    "Number of changed ids per non-empty batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	cursorAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywatch_cursor_advances_total",
			Help: "Total number of times the remote cursor was advanced",
		},
	)

	// Classification metrics
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywatch_decisions_total",
			Help: "Total number of classified remote changes by decision",
		},
		[]string{"decision"},
	)

	failedIDsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaywatch_failed_ids_total",
			Help: "Total number of changed ids that could not be pulled",
		},
	)

	// Status API metrics
	statusRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaywatch_status_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPoll records one poll cycle. result is one of "ok", "empty",
// "failed" or "fatal".
func RecordPoll(result string, duration time.Duration) {
	pollsTotal.WithLabelValues(result).Inc()
	pollDuration.Observe(duration.Seconds())
}

func RecordBatch(size int) {
	changedIDs.Observe(float64(size))
}

func RecordCursorAdvance() {
	cursorAdvances.Inc()
}

// RecordDecision records the merge action chosen for one document.
func RecordDecision(decision string) {
	decisionsTotal.WithLabelValues(decision).Inc()
}

func RecordFailedIDs(n int) {
	failedIDsTotal.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that counts status API requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		statusRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
