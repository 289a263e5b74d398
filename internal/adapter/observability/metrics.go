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
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed or cancelled",
		},
		[]string{"kind"},
	)

	PostersRenderedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posters_rendered_total",
			Help: "Total number of poster items finished, by outcome",
		},
		[]string{"outcome"},
	)
	PosterRenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poster_render_duration_seconds",
			Help:    "End-to-end per-item pipeline duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	ItemFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "item_failures_total",
			Help: "Per-item failures by classified kind",
		},
		[]string{"kind"},
	)

	SSESubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_subscribers",
			Help: "Number of live SSE subscriptions",
		},
	)
	SSEEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sse_events_dropped_total",
			Help: "Events shed by slow SSE subscribers, by event name",
		},
		[]string{"event"},
	)

	SinkDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_deliveries_total",
			Help: "Artifact pushes to the downstream sink, by outcome",
		},
		[]string{"outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(PostersRenderedTotal)
	prometheus.MustRegister(PosterRenderDuration)
	prometheus.MustRegister(ItemFailuresTotal)
	prometheus.MustRegister(SSESubscribers)
	prometheus.MustRegister(SSEEventsDroppedTotal)
	prometheus.MustRegister(SinkDeliveriesTotal)
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
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(kind string) {
	JobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

func CompleteJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsCompletedTotal.WithLabelValues(kind).Inc()
}

func FailJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind).Inc()
}

// ObserveItem records one finished item of the per-item pipeline.
func ObserveItem(success bool, failureKind string, dur time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
		ItemFailuresTotal.WithLabelValues(failureKind).Inc()
	}
	PostersRenderedTotal.WithLabelValues(outcome).Inc()
	PosterRenderDuration.Observe(dur.Seconds())
}

// ObserveSinkDelivery records one artifact push outcome.
func ObserveSinkDelivery(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	SinkDeliveriesTotal.WithLabelValues(outcome).Inc()
}
