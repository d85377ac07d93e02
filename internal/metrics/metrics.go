// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FairForge/rebel/internal/execution"
)

const namespace = "rebel"

// Metrics holds the Prometheus collectors of one process. Each instance
// owns its registry, so tests can create as many as they like.
type Metrics struct {
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	UploadCalls       *prometheus.CounterVec
	UploadBlobs       *prometheus.CounterVec
	UploadBytes       *prometheus.CounterVec
	DigestCacheHits   prometheus.Counter
	registry          *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Finished remote executions by outcome",
			},
			[]string{"outcome", "cached"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from first upload to terminal update",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"outcome"},
		),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Executions currently unresolved",
		}),
		UploadCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_calls_total",
				Help:      "CAS upload calls by method and status",
			},
			[]string{"method", "status"},
		),
		UploadBlobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_blobs_total",
				Help:      "Blobs confirmed by the CAS",
			},
			[]string{"method"},
		),
		UploadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Bytes sent to the CAS on the wire",
			},
			[]string{"method"},
		),
		DigestCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "digest_cache_hits_total",
			Help:      "Uploads skipped because the digest was already confirmed",
		}),
		registry: registry,
	}

	registry.MustRegister(
		m.Executions,
		m.ExecutionDuration,
		m.InFlight,
		m.UploadCalls,
		m.UploadBlobs,
		m.UploadBytes,
		m.DigestCacheHits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordExecution implements execution.Recorder.
func (m *Metrics) RecordExecution(kind execution.Kind, cached bool, elapsed time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	cachedLabel := "false"
	if cached {
		cachedLabel = "true"
	}
	m.Executions.WithLabelValues(outcome, cachedLabel).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordUpload implements cas.Recorder.
func (m *Metrics) RecordUpload(method string, blobs int, bytes int64, err error) {
	if err != nil {
		m.UploadCalls.WithLabelValues(method, "error").Inc()
		return
	}
	m.UploadCalls.WithLabelValues(method, "ok").Inc()
	m.UploadBlobs.WithLabelValues(method).Add(float64(blobs))
	m.UploadBytes.WithLabelValues(method).Add(float64(bytes))
}

// RecordCacheHit implements cas.Recorder.
func (m *Metrics) RecordCacheHit() {
	m.DigestCacheHits.Inc()
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
