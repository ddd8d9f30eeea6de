package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelgate"

type metrics struct {
	registry *prometheus.Registry

	inFlight        prometheus.Gauge
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	imageRequests *prometheus.CounterVec
	imageDuration *prometheus.HistogramVec
	imageBytes    *prometheus.CounterVec
	imageErrors   *prometheus.CounterVec

	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec
	warmURLs          prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		imageRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "image", Name: "requests_total",
			Help: "Served image requests by cache outcome.",
		}, []string{"cache"}),
		imageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "image", Name: "process_duration_seconds",
			Help:    "Time spent resolving an image through the pipeline.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"cache"}),
		imageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "image", Name: "bytes_total",
			Help: "Image bytes resolved for responses, by cache outcome.",
		}, []string{"cache"}),
		imageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "image", Name: "errors_total",
			Help: "Image requests that failed, by response status.",
		}, []string{"status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Total warm jobs enqueued for the worker.",
		}, []string{"queue"}),
		warmURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "urls_enqueued_total",
			Help: "Image URLs submitted inside enqueued warm jobs.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inFlight,
		m.requestTotal,
		m.requestDuration,
		m.imageRequests,
		m.imageDuration,
		m.imageBytes,
		m.imageErrors,
		m.rateLimitRejected,
		m.queueEnqueued,
		m.warmURLs,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(r.URL.Path),
			"status": strconv.Itoa(recorder.status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

// observeImage records a resolved image before it is written.
func (m *metrics) observeImage(cache string, size int, took time.Duration) {
	m.imageRequests.WithLabelValues(cache).Inc()
	m.imageDuration.WithLabelValues(cache).Observe(took.Seconds())
	m.imageBytes.WithLabelValues(cache).Add(float64(size))
}

func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/warm/"):
		return "/v1/warm/{id}"
	case path == "/v1/warm":
		return "/v1/warm"
	case path == "/healthz":
		return "/healthz"
	case path == "/metrics":
		return "/metrics"
	default:
		// Image paths are unbounded.
		return "image"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
