package engine

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of engine counters and sizes.
type Stats struct {
	StartedAt time.Time     `json:"startedAt"`
	Uptime    time.Duration `json:"uptime"`

	TriggersProcessed   uint64 `json:"triggersProcessed"`
	EventsProcessed     uint64 `json:"eventsProcessed"`
	RulesEvaluated      uint64 `json:"rulesEvaluated"`
	RulesExecuted       uint64 `json:"rulesExecuted"`
	RulesFailed         uint64 `json:"rulesFailed"`
	RulesSkipped        uint64 `json:"rulesSkipped"`
	FactsSet            uint64 `json:"factsSet"`
	FactsDeleted        uint64 `json:"factsDeleted"`
	TimersFired         uint64 `json:"timersFired"`
	TemporalCompletions uint64 `json:"temporalCompletions"`
	LookupCacheHits     uint64 `json:"lookupCacheHits"`
	LookupCacheMisses   uint64 `json:"lookupCacheMisses"`

	// AvgProcessingMs averages rule execution time over successful fires.
	AvgProcessingMs float64 `json:"avgProcessingTimeMs"`

	RuleCount          int `json:"ruleCount"`
	GroupCount         int `json:"groupCount"`
	FactCount          int `json:"factCount"`
	ActiveTimers       int `json:"activeTimers"`
	TemporalPartitions int `json:"temporalPartitions"`
	QueueDepth         int `json:"queueDepth"`
	LookupCacheSize    int `json:"lookupCacheSize"`
}

// counters aggregates the engine's monotonic counters. Atomic so the
// lookup stats hook, which runs off the dispatch loop, can write without
// the engine lock.
type counters struct {
	triggers            atomic.Uint64
	events              atomic.Uint64
	rulesEvaluated      atomic.Uint64
	rulesExecuted       atomic.Uint64
	rulesFailed         atomic.Uint64
	rulesSkipped        atomic.Uint64
	factsSet            atomic.Uint64
	factsDeleted        atomic.Uint64
	timersFired         atomic.Uint64
	temporalCompletions atomic.Uint64
	cacheHits           atomic.Uint64
	cacheMisses         atomic.Uint64
	processingNs        atomic.Int64
}

func (c *counters) snapshot(s *Stats) {
	s.TriggersProcessed = c.triggers.Load()
	s.EventsProcessed = c.events.Load()
	s.RulesEvaluated = c.rulesEvaluated.Load()
	s.RulesExecuted = c.rulesExecuted.Load()
	s.RulesFailed = c.rulesFailed.Load()
	s.RulesSkipped = c.rulesSkipped.Load()
	s.FactsSet = c.factsSet.Load()
	s.FactsDeleted = c.factsDeleted.Load()
	s.TimersFired = c.timersFired.Load()
	s.TemporalCompletions = c.temporalCompletions.Load()
	s.LookupCacheHits = c.cacheHits.Load()
	s.LookupCacheMisses = c.cacheMisses.Load()
	if s.RulesExecuted > 0 {
		s.AvgProcessingMs = float64(c.processingNs.Load()) / 1e6 / float64(s.RulesExecuted)
	}
}
