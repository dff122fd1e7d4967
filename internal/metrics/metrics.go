// Package metrics holds the Prometheus collectors for ingestion, scoring and
// backlog processing. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud"

// Ingest outcomes.
const (
	OutcomeCreated = "created"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
	OutcomeScored  = "scored"
)

type Metrics struct {
	IngestRecords    *prometheus.CounterVec
	ScorerCalls      *prometheus.CounterVec
	ScorerLatency    *prometheus.HistogramVec
	FlagsRaised      *prometheus.CounterVec
	BacklogProcessed *prometheus.CounterVec
	BacklogBatchSize prometheus.Histogram

	registry *prometheus.Registry
}

// New registers the collectors on a private registry along with the Go and
// process collectors.
func New(service string) *Metrics {
	m := &Metrics{
		IngestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "ingest_records_total",
			Help:      "Ingested records by outcome",
		}, []string{"outcome"}),
		ScorerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "scorer_calls_total",
			Help:      "Risk assessments by the source that produced them",
		}, []string{"source"}),
		ScorerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "scorer_latency_seconds",
			Help:      "Latency of primary scorer calls",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"result"}),
		FlagsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "flags_total",
			Help:      "Audit flags written by type",
		}, []string{"flag_type"}),
		BacklogProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "backlog_records_total",
			Help:      "Backlog records processed by outcome",
		}, []string{"outcome"}),
		BacklogBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "backlog_batch_size",
			Help:      "Rows claimed per backlog tick",
			Buckets:   prometheus.LinearBuckets(0, 10, 10),
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.IngestRecords,
		m.ScorerCalls,
		m.ScorerLatency,
		m.FlagsRaised,
		m.BacklogProcessed,
		m.BacklogBatchSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordIngest(outcome string) {
	if m == nil {
		return
	}
	m.IngestRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordScore(source string) {
	if m == nil {
		return
	}
	m.ScorerCalls.WithLabelValues(source).Inc()
}

// ObservePrimary records how long a primary scorer call took and whether it succeeded.
func (m *Metrics) ObservePrimary(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ScorerLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) RecordFlag(flagType string) {
	if m == nil {
		return
	}
	m.FlagsRaised.WithLabelValues(flagType).Inc()
}

func (m *Metrics) RecordBacklog(outcome string) {
	if m == nil {
		return
	}
	m.BacklogProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.BacklogBatchSize.Observe(float64(n))
}
