package observability

import (
	"net/http"
	"strconv"
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
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs terminally failed",
		},
		[]string{"type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of jobs rescheduled after failure",
		},
		[]string{"type"},
	)
	JobsOrphanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_orphaned_total",
			Help: "Total number of orphaned jobs recovered by the cleanup sweep",
		},
		[]string{"outcome"},
	)
	JobHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_handler_duration_seconds",
			Help:    "Job handler duration in seconds by type",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	StoreBusyRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_busy_retries_total",
			Help: "Total number of store write retries caused by busy/locked errors",
		},
		[]string{"op"},
	)
	StoreBusyExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_busy_exhausted_total",
			Help: "Total number of store writes that exhausted the retry budget",
		},
		[]string{"op"},
	)

	OCRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_requests_total",
			Help: "Total number of OCR provider requests by outcome",
		},
		[]string{"outcome"},
	)
	OCRRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocr_request_duration_seconds",
			Help:    "OCR provider request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsOrphanedTotal)
	prometheus.MustRegister(JobHandlerDuration)
	prometheus.MustRegister(StoreBusyRetriesTotal)
	prometheus.MustRegister(StoreBusyExhaustedTotal)
	prometheus.MustRegister(OCRRequestsTotal)
	prometheus.MustRegister(OCRRequestDuration)
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
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
