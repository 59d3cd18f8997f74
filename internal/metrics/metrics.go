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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ticksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_dispatch_ticks_total",
			Help: "Total dispatch ticks completed",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_tick_duration_seconds",
			Help:    "Dispatch tick duration distribution",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_processed_total",
			Help: "Messages processed per tick by outcome and kind",
		},
		[]string{"outcome", "kind"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Messages enqueued by tenant and kind",
		},
		[]string{"tenant_id", "kind"},
	)

	quotaSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_quota_skips_total",
			Help: "Messages skipped by daily quota, by scope (recipient or tenant)",
		},
		[]string{"scope"},
	)

	campaignIncrementFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_campaign_increment_failures_total",
			Help: "Best-effort campaign counter increments that failed",
		},
	)

	tickLockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_tick_lock_contention_total",
			Help: "Ticks skipped because another run held the dispatch lock",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTick records a completed dispatch tick
func RecordTick(duration time.Duration) {
	ticksTotal.Inc()
	tickDuration.Observe(duration.Seconds())
}

// RecordMessageProcessed records one message's tick outcome
func RecordMessageProcessed(outcome, kind string) {
	messagesProcessed.WithLabelValues(outcome, kind).Inc()
}

// RecordMessageEnqueued records a message enqueue event
func RecordMessageEnqueued(tenantID, kind string) {
	messagesEnqueued.WithLabelValues(tenantID, kind).Inc()
}

// RecordQuotaSkip records a message skipped by a daily cap
func RecordQuotaSkip(scope string) {
	quotaSkips.WithLabelValues(scope).Inc()
}

// RecordCampaignIncrementFailure records a failed campaign counter bump
func RecordCampaignIncrementFailure() {
	campaignIncrementFailures.Inc()
}

// RecordTickLockContention records a tick skipped due to the dispatch lock
func RecordTickLockContention() {
	tickLockContention.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
