package harness

import (
	"encoding/json"
	"sort"

	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/value"
)

// EventRecord is one externally visible event the engine delivered
// during a run. Internal engine events are filtered out, and event IDs
// are deliberately omitted so records stay stable when unrelated steps
// are inserted.
type EventRecord struct {
	Topic  string    `json:"topic"`
	Source string    `json:"source"`
	At     string    `json:"at"`
	Data   value.Map `json:"data,omitempty"`
}

// FactRecord is a fact's final state when the run ended.
type FactRecord struct {
	Key     string      `json:"key"`
	Value   value.Value `json:"value"`
	Version int64       `json:"version"`
	Source  string      `json:"source"`
}

// StatsRecord is the deterministic slice of engine statistics: counters
// and sizes that depend only on the scenario, never on wall time.
type StatsRecord struct {
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
	RuleCount           int    `json:"ruleCount"`
	FactCount           int    `json:"factCount"`
	ActiveTimers        int    `json:"activeTimers"`
}

func snapshotStats(s engine.Stats) StatsRecord {
	return StatsRecord{
		TriggersProcessed:   s.TriggersProcessed,
		EventsProcessed:     s.EventsProcessed,
		RulesEvaluated:      s.RulesEvaluated,
		RulesExecuted:       s.RulesExecuted,
		RulesFailed:         s.RulesFailed,
		RulesSkipped:        s.RulesSkipped,
		FactsSet:            s.FactsSet,
		FactsDeleted:        s.FactsDeleted,
		TimersFired:         s.TimersFired,
		TemporalCompletions: s.TemporalCompletions,
		RuleCount:           s.RuleCount,
		FactCount:           s.FactCount,
		ActiveTimers:        s.ActiveTimers,
	}
}

// asMap exposes the record under the same names the JSON form uses, for
// stats expectations addressed by name.
func (s StatsRecord) asMap() map[string]uint64 {
	return map[string]uint64{
		"triggersProcessed":   s.TriggersProcessed,
		"eventsProcessed":     s.EventsProcessed,
		"rulesEvaluated":      s.RulesEvaluated,
		"rulesExecuted":       s.RulesExecuted,
		"rulesFailed":         s.RulesFailed,
		"rulesSkipped":        s.RulesSkipped,
		"factsSet":            s.FactsSet,
		"factsDeleted":        s.FactsDeleted,
		"timersFired":         s.TimersFired,
		"temporalCompletions": s.TemporalCompletions,
		"ruleCount":           uint64(s.RuleCount),
		"factCount":           uint64(s.FactCount),
		"activeTimers":        uint64(s.ActiveTimers),
	}
}

func knownStat(name string) bool {
	_, ok := StatsRecord{}.asMap()[name]
	return ok
}

func statNames() []string {
	m := StatsRecord{}.asMap()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Result is the outcome of one scenario run. Errors holds failed
// expectations; harness-level failures surface from Run itself.
type Result struct {
	Scenario string        `json:"scenario"`
	Events   []EventRecord `json:"events"`
	Facts    []FactRecord  `json:"facts"`
	Stats    StatsRecord   `json:"stats"`

	Errors []string `json:"-"`
	Pass   bool     `json:"-"`
}

// AddError records a failed expectation and marks the run failed.
func (r *Result) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
	r.Pass = false
}

// Canonical renders the result as stable indented JSON. Map keys inside
// event data and fact values serialize in sorted order, so the bytes
// are byte-for-byte reproducible and suitable for golden comparison.
func (r *Result) Canonical() ([]byte, error) {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}
