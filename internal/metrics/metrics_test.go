package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventsEmitted.Inc()
	m.RulesFired.Inc()
	m.RulesFired.Inc()
	m.QueueDepth.Set(3)
	m.RuleSeconds.Observe(0.002)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsEmitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RulesFired))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"reflex_events_emitted_total",
		"reflex_rules_fired_total",
		"reflex_rules_failed_total",
		"reflex_facts_set_total",
		"reflex_facts_deleted_total",
		"reflex_lookup_cache_hits_total",
		"reflex_lookup_cache_misses_total",
		"reflex_timer_fires_total",
		"reflex_queue_depth",
		"reflex_active_timers",
		"reflex_temporal_partitions",
		"reflex_rule_processing_seconds",
	} {
		assert.True(t, names[want], "collector %s not gathered", want)
	}
}

func TestNewNopIsUsable(t *testing.T) {
	m := NewNop()
	m.RulesFailed.Inc()
	m.TemporalPartitions.Set(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RulesFailed))
}
