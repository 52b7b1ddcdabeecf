// Package metrics holds the Prometheus collectors of the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "postmedia"

type Metrics struct {
	ingestRequests  *prometheus.CounterVec
	conflictRetries prometheus.Counter
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	jobsRequeued    prometheus.Counter
	variants        *prometheus.CounterVec
	variantDuration prometheus.Histogram
	assetsPurged    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_requests_total",
				Help:      "Ingest requests by resolved action (enqueued or reused).",
			},
			[]string{"action"},
		),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_conflict_retries_total",
			Help:      "Transactions re-run after losing a race on a unique key or row version.",
		}),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_jobs_total",
				Help:      "Ingestion jobs processed by result.",
			},
			[]string{"result"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_job_duration_seconds",
			Help:      "Wall time of one ingestion job.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Stuck running jobs returned to the queue.",
		}),
		variants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "variants_total",
				Help:      "Variant renders by result.",
			},
			[]string{"result"},
		),
		variantDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "variant_duration_seconds",
			Help:      "Wall time of one variant render.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		assetsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_purged_total",
			Help:      "Removed assets physically deleted by the cleanup sweep.",
		}),
	}

	reg.MustRegister(
		m.ingestRequests,
		m.conflictRetries,
		m.jobs,
		m.jobDuration,
		m.jobsRequeued,
		m.variants,
		m.variantDuration,
		m.assetsPurged,
	)
	return m
}

func (m *Metrics) IngestRequest(action string) {
	if m == nil {
		return
	}
	m.ingestRequests.WithLabelValues(action).Inc()
}

func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) JobFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	m.jobDuration.Observe(took.Seconds())
}

func (m *Metrics) JobsRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsRequeued.Add(float64(n))
}

func (m *Metrics) VariantFinished(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.variants.WithLabelValues(result).Inc()
	m.variantDuration.Observe(took.Seconds())
}

func (m *Metrics) AssetsPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assetsPurged.Add(float64(n))
}
