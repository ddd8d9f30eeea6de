package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pixelgate"

type metrics struct {
	registry *prometheus.Registry

	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	queueLatency prometheus.Histogram
	activeJobs   prometheus.Gauge
	imagesTotal  *prometheus.CounterVec
	webhooks     *prometheus.CounterVec

	bytesWrittenTotal  prometheus.Counter
	computeTimeMSTotal prometheus.Counter
}

func newMetrics() *metrics {
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}

	m := &metrics{
		registry:    prometheus.NewRegistry(),
		jobsTotal:   counter("worker", "jobs_total", "Total warm jobs by final status.", "status"),
		imagesTotal: counter("worker", "images_total", "Warmed images by outcome.", "status"),
		webhooks:    counter("worker", "webhook_deliveries_total", "Webhook deliveries by event and result.", "event", "result"),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "job_duration_seconds",
			Help:    "Total duration of each warm job.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		queueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "queue_latency_seconds",
			Help:    "Time between a warm request being accepted and a worker picking it up.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "active_jobs",
			Help: "Current number of warm jobs running in the worker.",
		}),
		bytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "usage", Name: "bytes_written_total",
			Help: "Total processed bytes written to the cache by warm jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "usage", Name: "compute_time_ms_total",
			Help: "Total compute time in milliseconds across warm jobs.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsTotal,
		m.jobDuration,
		m.queueLatency,
		m.activeJobs,
		m.imagesTotal,
		m.webhooks,
		m.bytesWrittenTotal,
		m.computeTimeMSTotal,
	)
	return m
}

// observeQueued records how long a job waited. Jobs without a request time
// are skipped.
func (m *metrics) observeQueued(requestedAt, startedAt time.Time) {
	if requestedAt.IsZero() || startedAt.Before(requestedAt) {
		return
	}
	m.queueLatency.Observe(startedAt.Sub(requestedAt).Seconds())
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
