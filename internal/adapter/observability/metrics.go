package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_enqueued_total",
			Help: "Total number of ingest jobs enqueued",
		},
		[]string{"priority"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_jobs_processing",
			Help: "Number of ingest jobs currently processing",
		},
	)
	JobsIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_jobs_indexed_total",
			Help: "Total number of ingest jobs that reached indexed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_failed_total",
			Help: "Total number of ingest job failures by stage and error kind",
		},
		[]string{"stage", "kind"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_jobs_retried_total",
			Help: "Total number of retry jobs spawned by error kind",
		},
		[]string{"kind"},
	)
	JobsCanceledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_jobs_canceled_total",
			Help: "Total number of ingest jobs canceled",
		},
	)
	DLQEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total number of DLQ entries written by category",
		},
		[]string{"category"},
	)
	DLQOpenSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_open_size",
			Help: "Number of unresolved DLQ entries",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"stage"},
	)
	EmbedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "embedding_tokens_total",
			Help: "Total embedding tokens consumed",
		},
	)
	EmbedRateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "embedding_rate_limited_total",
			Help: "Total embedding batches rejected by the rate limiter",
		},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsIndexedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsCanceledTotal)
	prometheus.MustRegister(DLQEntriesTotal)
	prometheus.MustRegister(DLQOpenSize)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(EmbedTokensTotal)
	prometheus.MustRegister(EmbedRateLimitedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveStage records the duration of one completed pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
