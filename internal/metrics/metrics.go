// Package metrics exposes the engine's operational counters as Prometheus
// collectors. The embedding process decides where and whether to serve
// them; the engine only increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reflex"

// Metrics carries every collector the engine feeds.
type Metrics struct {
	EventsEmitted     prometheus.Counter
	RulesFired        prometheus.Counter
	RulesFailed       prometheus.Counter
	FactsSet          prometheus.Counter
	FactsDeleted      prometheus.Counter
	LookupCacheHits   prometheus.Counter
	LookupCacheMisses prometheus.Counter
	TimerFires        prometheus.Counter

	QueueDepth         prometheus.Gauge
	ActiveTimers       prometheus.Gauge
	TemporalPartitions prometheus.Gauge

	RuleSeconds prometheus.Histogram
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events accepted for dispatch, external and re-entrant alike.",
		}),
		RulesFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_fired_total",
			Help:      "Rule fires whose conditions passed and actions ran to completion.",
		}),
		RulesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_failed_total",
			Help:      "Rule fires aborted by a lookup, action, or depth failure.",
		}),
		FactsSet: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_set_total",
			Help:      "Fact writes, including version bumps of unchanged values.",
		}),
		FactsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_deleted_total",
			Help:      "Fact deletions that removed an existing key.",
		}),
		LookupCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_hits_total",
			Help:      "Lookups served from the TTL cache.",
		}),
		LookupCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_cache_misses_total",
			Help:      "Lookups that reached the underlying service.",
		}),
		TimerFires: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_fires_total",
			Help:      "Timer expirations dispatched as triggers.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Triggers waiting in the dispatch queue.",
		}),
		ActiveTimers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_timers",
			Help:      "Armed named timers.",
		}),
		TemporalPartitions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temporal_partitions",
			Help:      "Live temporal pattern partitions across all rules.",
		}),
		RuleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_processing_seconds",
			Help:      "Wall time of a single rule fire, lookups included.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// NewNop returns collectors bound to a private registry, for embedders
// that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
