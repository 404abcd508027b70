// Package metrics exposes Prometheus counters for ingestion and queries.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	Accepted = "accepted"
	Rejected = "rejected"
	OK       = "ok"
	Failed   = "failed"
)

type Metrics struct {
	ingestDocuments   *prometheus.CounterVec
	diagnostics       *prometheus.CounterVec
	queries           *prometheus.CounterVec
	analyticsFailures *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ingestDocuments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clip_search_ingest_documents_total",
				Help: "Documents submitted to the index by collection and outcome",
			},
			[]string{"collection", "outcome"},
		),
		diagnostics: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clip_search_normalize_diagnostics_total",
				Help: "Cells that could not be normalized, by field",
			},
			[]string{"field"},
		),
		queries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clip_search_queries_total",
				Help: "Queries executed against the index by collection and outcome",
			},
			[]string{"collection", "outcome"},
		),
		analyticsFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clip_search_analytics_failures_total",
				Help: "Analytics aggregates that fell back to zero values",
			},
			[]string{"aggregate"},
		),
		batchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clip_search_ingest_batch_duration_seconds",
				Help:    "Time spent committing one bulk batch",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"collection"},
		),
	}
}

func (m *Metrics) IngestDocuments(collection, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ingestDocuments.WithLabelValues(collection, outcome).Add(float64(n))
}

func (m *Metrics) Diagnostic(field string) {
	if m == nil {
		return
	}
	m.diagnostics.WithLabelValues(field).Inc()
}

func (m *Metrics) Query(collection, outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) AnalyticsFailure(aggregate string) {
	if m == nil {
		return
	}
	m.analyticsFailures.WithLabelValues(aggregate).Inc()
}

func (m *Metrics) BatchDuration(collection string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(collection).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
