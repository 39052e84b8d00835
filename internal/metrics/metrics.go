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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	jobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_created_total",
			Help: "Bulk jobs created by channel and message kind",
		},
		[]string{"channel", "kind"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_finished_total",
			Help: "Bulk jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	chunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_chunk_duration_seconds",
			Help:    "Wall time of one Continue chunk",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"channel"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery log entries by channel, status, and error kind",
		},
		[]string{"channel", "status", "error_kind"},
	)

	quotaExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_quota_exhausted_total",
			Help: "Chunks that found the account's channel quota exhausted",
		},
		[]string{"channel"},
	)

	chunksDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_chunks_deferred_total",
			Help: "Chunks cut short because the channel's circuit breaker was open",
		},
		[]string{"channel"},
	)

	automationJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_automation_jobs_total",
			Help: "Jobs created by automation flows by trigger",
		},
		[]string{"trigger"},
	)

	ticksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_ticks_enqueued_total",
			Help: "Continue ticks enqueued to SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Job creations served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by the API rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordJobCreated(channel, kind string) {
	jobsCreated.WithLabelValues(channel, kind).Inc()
}

func RecordJobFinished(status string) {
	jobsFinished.WithLabelValues(status).Inc()
}

func RecordChunk(channel string, d time.Duration) {
	chunkDuration.WithLabelValues(channel).Observe(d.Seconds())
}

func RecordDelivery(channel, status, errorKind string) {
	deliveries.WithLabelValues(channel, status, errorKind).Inc()
}

func RecordQuotaExhausted(channel string) {
	quotaExhausted.WithLabelValues(channel).Inc()
}

func RecordChunkDeferred(channel string) {
	chunksDeferred.WithLabelValues(channel).Inc()
}

func RecordAutomationJob(trigger string) {
	automationJobs.WithLabelValues(trigger).Inc()
}

func RecordTickEnqueued() {
	ticksEnqueued.Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
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

// Middleware records request metrics labelled by chi route pattern, so
// /bulk-jobs/{id}/status is one series rather than one per job.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
