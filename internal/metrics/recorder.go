// Package metrics exposes Prometheus counters for ingestion and the aggregation cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tokenfarm"

	CacheResultHit      = "hit"
	CacheResultMiss     = "miss"
	CacheResultError    = "error"
	CacheResultFallback = "fallback"
)

// Recorder groups the counters the services update. A nil Recorder records nothing.
type Recorder struct {
	ingestOutcomes *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	feedPruned     prometheus.Counter
}

// NewRecorder registers the counters on registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	auto := promauto.With(registerer)
	return &Recorder{
		ingestOutcomes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "submissions_total",
			Help:      "Submissions handled by the ingestion guard, by outcome",
		}, []string{"outcome"}),
		cacheLookups: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "cache_lookups_total",
			Help:      "Aggregation cache lookups, by key and result",
		}, []string{"key", "result"}),
		feedPruned: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "feed_entries_pruned_total",
			Help:      "Feed entries removed to honour the retention count",
		}),
	}
}

// IngestOutcome counts one submission outcome.
func (r *Recorder) IngestOutcome(outcome string) {
	if r == nil {
		return
	}
	r.ingestOutcomes.WithLabelValues(outcome).Inc()
}

// CacheLookup counts one aggregation cache lookup.
func (r *Recorder) CacheLookup(key, result string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(key, result).Inc()
}

// FeedPruned counts feed entries dropped by retention.
func (r *Recorder) FeedPruned(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.feedPruned.Add(float64(count))
}
