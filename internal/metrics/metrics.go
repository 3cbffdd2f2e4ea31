// Package metrics exposes Prometheus counters for the ingestion pipeline and
// a progress observer for fetch batches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the pipeline.
type Metrics struct {
	Downloads      *prometheus.CounterVec
	BytesFetched   prometheus.Counter
	EventsWritten  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	ConvertSeconds prometheus.Histogram
}

// NewMetrics creates the metrics and registers them on reg. A nil reg keeps
// them unregistered, which tests use to avoid global collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hist_ingest_downloads_total",
			Help: "Archive fetch jobs by data kind and outcome",
		}, []string{"kind", "outcome"}),

		BytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "hist_ingest_bytes_fetched_total",
			Help: "Bytes written to the data directory by fetch jobs",
		}),

		EventsWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hist_ingest_events_written_total",
			Help: "Canonical events written by event kind",
		}, []string{"event"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hist_ingest_errors_total",
			Help: "Errors by pipeline stage and error type",
		}, []string{"stage", "error_type"}),

		ConvertSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hist_ingest_convert_seconds",
			Help:    "Wall time to convert one symbol/date",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

// RecordDownload counts one finished fetch job.
func (m *Metrics) RecordDownload(kind, outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		m.BytesFetched.Add(float64(bytes))
	}
}

// RecordEvents adds n written events of one kind.
func (m *Metrics) RecordEvents(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsWritten.WithLabelValues(event).Add(float64(n))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(stage, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage, errorType).Inc()
}

// RecordConvert observes one conversion duration in seconds.
func (m *Metrics) RecordConvert(seconds float64) {
	if m == nil {
		return
	}
	m.ConvertSeconds.Observe(seconds)
}
