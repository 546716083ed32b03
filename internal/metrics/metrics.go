package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "propforge_api_request_duration_seconds",
			Help:    "Capability request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"model", "status"},
	)

	candidateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propforge_candidates_total",
			Help: "Generated candidates by propensity and outcome",
		},
		[]string{"propensity", "outcome"}, // outcome: accepted/rejected/error
	)

	scorerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propforge_scorer_fallbacks_total",
			Help: "Evaluations that degraded to the fallback score",
		},
		[]string{"propensity"},
	)

	checkpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "propforge_checkpoint_writes_total",
			Help: "Dataset snapshots persisted",
		},
		[]string{"propensity"},
	)
)

// Collector provides convenience methods for recording metrics. A nil
// collector is valid and records nothing.
type Collector struct{}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordAPIRequest records a capability request duration.
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordCandidate records the outcome of one generated candidate.
func (c *Collector) RecordCandidate(propensity, outcome string) {
	if c == nil {
		return
	}
	candidateOutcomes.WithLabelValues(propensity, outcome).Inc()
}

// RecordScorerFallback records a degraded evaluation.
func (c *Collector) RecordScorerFallback(propensity string) {
	if c == nil {
		return
	}
	scorerFallbacks.WithLabelValues(propensity).Inc()
}

// RecordCheckpoint records a snapshot write.
func (c *Collector) RecordCheckpoint(propensity string) {
	if c == nil {
		return
	}
	checkpointWrites.WithLabelValues(propensity).Inc()
}
