// Package temporal tracks event patterns across time: sequences, absences,
// counts and aggregates, partitioned by a grouping field. The engine is
// confined to the dispatch loop and needs no locking; deadline callbacks
// only hand work back to the loop.
package temporal

import (
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// Deadliner schedules a callback at an absolute time. Satisfied by the
// timer scheduler.
type Deadliner interface {
	After(t time.Time, fn func()) (cancel func() bool)
}

// Completion is an occurred pattern, ready to be fed back as a trigger.
// Data carries the completion context: aliases and the events map for
// sequences, the after event's fields for absences, count or aggregate
// results, and the partitioning field.
type Completion struct {
	RuleID string
	Data   value.Map
	At     time.Time
}

// Engine holds per-rule pattern state. Add, Remove, HandleEvent,
// HandleDeadline and Sweep must all run on the same goroutine.
type Engine struct {
	clock      clockwork.Clock
	deadlines  Deadliner
	onDeadline func(ruleID, partition string)

	order []string
	rules map[string]*ruleState
}

// New builds an engine. onDeadline is invoked on the deadliner's goroutine
// when an absence deadline elapses and must re-enter via HandleDeadline on
// the owning goroutine.
func New(clock clockwork.Clock, deadlines Deadliner, onDeadline func(ruleID, partition string)) *Engine {
	return &Engine{
		clock:      clock,
		deadlines:  deadlines,
		onDeadline: onDeadline,
		rules:      make(map[string]*ruleState),
	}
}

// Add registers or replaces pattern state for a temporal rule. Replacement
// drops accumulated state and cancels pending deadlines.
func (e *Engine) Add(r rule.Rule) error {
	trig, ok := r.Trigger.(rule.TemporalTrigger)
	if !ok {
		return errs.Validationf("rule %q does not have a temporal trigger", r.ID)
	}
	st := &ruleState{id: r.ID, pattern: trig.Pattern, parts: make(map[string]*partition)}

	var ms []rule.EventMatcher
	switch p := trig.Pattern.(type) {
	case rule.Sequence:
		ms = p.Events
	case rule.Absence:
		ms = []rule.EventMatcher{p.After, p.Expected}
	case rule.Count:
		ms = []rule.EventMatcher{p.Event}
	case rule.Aggregate:
		ms = []rule.EventMatcher{p.Event}
	default:
		return errs.Validationf("unknown temporal pattern %T", trig.Pattern)
	}
	for _, m := range ms {
		cm, err := compileMatcher(m)
		if err != nil {
			return err
		}
		st.matchers = append(st.matchers, cm)
	}

	if old, exists := e.rules[r.ID]; exists {
		old.cancelDeadlines()
		e.rules[r.ID] = st
		return nil
	}
	e.rules[r.ID] = st
	e.order = append(e.order, r.ID)
	return nil
}

// Remove drops all state for the rule, cancelling pending deadlines.
func (e *Engine) Remove(ruleID string) {
	st, ok := e.rules[ruleID]
	if !ok {
		return
	}
	st.cancelDeadlines()
	delete(e.rules, ruleID)
	for i, id := range e.order {
		if id == ruleID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// HandleEvent feeds one event through every pattern, in rule registration
// order, and returns any completions it produced.
func (e *Engine) HandleEvent(ev bus.Event) []Completion {
	var out []Completion
	for _, id := range e.order {
		st := e.rules[id]
		var c *Completion
		switch p := st.pattern.(type) {
		case rule.Sequence:
			c = st.handleSequence(p, ev)
		case rule.Absence:
			st.handleAbsence(e, p, ev)
		case rule.Count:
			c = st.handleCount(p, ev)
		case rule.Aggregate:
			c = st.handleAggregate(p, ev)
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

// HandleDeadline turns an elapsed absence deadline into a completion. A
// stale callback, raced by cancellation or re-arming, returns nil.
func (e *Engine) HandleDeadline(ruleID, key string) *Completion {
	st, ok := e.rules[ruleID]
	if !ok {
		return nil
	}
	ab, ok := st.pattern.(rule.Absence)
	if !ok {
		return nil
	}
	p, ok := st.parts[key]
	if !ok || !p.armed {
		return nil
	}
	if e.clock.Now().Before(p.deadline) {
		return nil
	}

	data := value.Clone(p.afterEvent.Data).(value.Map)
	name := "after"
	if ab.After.As != "" {
		name = ab.After.As
		data[name] = value.Clone(p.afterEvent.Data)
	}
	data["events"] = value.Map{name: envelope(p.afterEvent)}
	addGroupKey(data, ab.GroupBy, p.afterEvent.Data)

	delete(st.parts, key)
	return &Completion{RuleID: ruleID, Data: data, At: p.deadline}
}

// Sweep garbage-collects partitions idle beyond twice their pattern
// window. Armed absence partitions are kept for their deadline.
func (e *Engine) Sweep(now time.Time) int {
	removed := 0
	for _, id := range e.order {
		st := e.rules[id]
		ttl := 2 * st.pattern.WindowDuration()
		for key, p := range st.parts {
			if p.armed {
				continue
			}
			if now.Sub(p.lastActivity) > ttl {
				delete(st.parts, key)
				removed++
			}
		}
	}
	return removed
}

// PartitionCount reports live partitions across all rules.
func (e *Engine) PartitionCount() int {
	n := 0
	for _, st := range e.rules {
		n += len(st.parts)
	}
	return n
}

type matcher struct {
	topic  *pattern.Matcher
	filter value.Map
	as     string
}

func compileMatcher(m rule.EventMatcher) (matcher, error) {
	tm, err := pattern.CompileTopic(m.Topic)
	if err != nil {
		return matcher{}, err
	}
	return matcher{topic: tm, filter: m.Filter, as: m.As}, nil
}

func (m matcher) matches(ev bus.Event) bool {
	if !m.topic.Matches(ev.Topic) {
		return false
	}
	for path, want := range m.filter {
		got, ok := value.Lookup(ev.Data, path)
		if !ok || !value.Equal(got, want) {
			return false
		}
	}
	return true
}

type ruleState struct {
	id       string
	pattern  rule.TemporalPattern
	matchers []matcher
	parts    map[string]*partition
}

// A partition is the per-groupBy-value slice of a pattern's state. Only
// the fields for the owning pattern kind are used.
type partition struct {
	lastActivity time.Time

	// sequence: concurrent candidate runs, at most one per cursor.
	runs []*seqRun

	// absence
	armed          bool
	deadline       time.Time
	afterEvent     bus.Event
	cancelDeadline func() bool

	// count and aggregate
	samples []sample
	anchor  time.Time
	latched bool
}

// A seqRun is one candidate traversal of a sequence: next is the index of
// the matcher it waits for. Keeping the freshest run per cursor makes a
// completion fire whenever any in-window ordered sub-sequence exists.
type seqRun struct {
	next     int
	start    time.Time
	recorded []recorded
}

type recorded struct {
	as string
	ev bus.Event
}

type sample struct {
	at time.Time
	v  float64
}

func (st *ruleState) ensure(key string) *partition {
	p, ok := st.parts[key]
	if !ok {
		p = &partition{}
		st.parts[key] = p
	}
	return p
}

func (st *ruleState) cancelDeadlines() {
	for _, p := range st.parts {
		if p.cancelDeadline != nil {
			p.cancelDeadline()
		}
	}
}

func (st *ruleState) partitionKey(data value.Map) (string, bool) {
	g := st.pattern.PartitionBy()
	if g == "" {
		return "", true
	}
	v, ok := value.Lookup(data, g)
	if !ok || value.IsNull(v) {
		return "", false
	}
	return value.Format(v), true
}

func (st *ruleState) handleSequence(seq rule.Sequence, ev bus.Event) *Completion {
	key, ok := st.partitionKey(ev.Data)
	if !ok {
		return nil
	}
	ts := ev.Timestamp

	topicKnown := false
	for _, m := range st.matchers {
		if m.topic.Matches(ev.Topic) {
			topicKnown = true
			break
		}
	}
	p := st.parts[key]
	if !topicKnown {
		if seq.Strict && p != nil && len(p.runs) > 0 {
			p.runs = nil
			p.lastActivity = ts
		}
		return nil
	}

	var live []*seqRun
	if p != nil {
		for _, r := range p.runs {
			if ts.Sub(r.start) <= seq.Within {
				live = append(live, r)
			}
		}
	}

	// Advance from the most progressed run down so the event is consumed
	// at most once per run; the un-advanced run survives alongside its
	// advanced copy so later events can still extend it.
	sort.Slice(live, func(i, j int) bool { return live[i].next > live[j].next })
	next := make(map[int]*seqRun, len(live)+1)
	var done *seqRun
	for _, r := range live {
		if st.matchers[r.next].matches(ev) {
			adv := &seqRun{
				next:     r.next + 1,
				start:    r.start,
				recorded: append(append([]recorded{}, r.recorded...), recorded{as: st.matchers[r.next].as, ev: ev}),
			}
			if adv.next == len(st.matchers) {
				if done == nil || adv.start.After(done.start) {
					done = adv
				}
			} else {
				mergeRun(next, adv)
			}
		}
		mergeRun(next, r)
	}
	if st.matchers[0].matches(ev) {
		if len(st.matchers) == 1 {
			// Validation enforces two or more events; guard anyway.
			return nil
		}
		mergeRun(next, &seqRun{next: 1, start: ts, recorded: []recorded{{as: st.matchers[0].as, ev: ev}}})
	}

	if done != nil {
		if p != nil {
			p.runs = nil
			p.lastActivity = ts
		}
		return st.sequenceCompletion(seq, done, ts)
	}
	if len(next) == 0 {
		return nil
	}
	if p == nil {
		p = st.ensure(key)
	}
	p.runs = p.runs[:0]
	for _, r := range next {
		p.runs = append(p.runs, r)
	}
	sort.Slice(p.runs, func(i, j int) bool { return p.runs[i].next < p.runs[j].next })
	p.lastActivity = ts
	return nil
}

func mergeRun(m map[int]*seqRun, r *seqRun) {
	if cur, ok := m[r.next]; ok && !r.start.After(cur.start) {
		return
	}
	m[r.next] = r
}

func (st *ruleState) sequenceCompletion(seq rule.Sequence, run *seqRun, at time.Time) *Completion {
	data := value.Map{}
	if len(run.recorded) > 0 {
		addGroupKey(data, seq.GroupBy, run.recorded[0].ev.Data)
	}
	events := value.Map{}
	for i, rec := range run.recorded {
		name := rec.as
		if name == "" {
			name = strconv.Itoa(i)
		} else {
			data[rec.as] = value.Clone(rec.ev.Data)
		}
		events[name] = envelope(rec.ev)
	}
	data["events"] = events
	return &Completion{RuleID: st.id, Data: data, At: at}
}

func (st *ruleState) handleAbsence(e *Engine, ab rule.Absence, ev bus.Event) {
	key, ok := st.partitionKey(ev.Data)
	if !ok {
		return
	}
	ts := ev.Timestamp

	if p, ok := st.parts[key]; ok && p.armed {
		if st.matchers[1].matches(ev) {
			if p.cancelDeadline != nil {
				p.cancelDeadline()
			}
			delete(st.parts, key)
		}
		// Further after matches do not move an armed deadline; the first
		// arming holds until it fires or is cancelled.
		return
	}
	if !st.matchers[0].matches(ev) {
		return
	}

	p := st.ensure(key)
	p.armed = true
	p.afterEvent = ev
	p.afterEvent.Data = value.Clone(ev.Data).(value.Map)
	p.deadline = ts.Add(ab.Within)
	p.lastActivity = ts

	ruleID, partKey := st.id, key
	p.cancelDeadline = e.deadlines.After(p.deadline, func() {
		e.onDeadline(ruleID, partKey)
	})
}

func (st *ruleState) handleCount(cnt rule.Count, ev bus.Event) *Completion {
	if !st.matchers[0].matches(ev) {
		return nil
	}
	key, ok := st.partitionKey(ev.Data)
	if !ok {
		return nil
	}
	p := st.ensure(key)
	ts := ev.Timestamp
	p.lastActivity = ts

	if cnt.Sliding {
		// Trim and re-check before adding: the count may have dropped
		// below threshold during a quiet stretch, which re-arms the
		// latch even though no event was processed at that moment.
		evictBefore(p, ts.Add(-cnt.Window))
		if !compare(float64(len(p.samples)), float64(cnt.Threshold), cnt.Comparison) {
			p.latched = false
		}
		p.samples = append(p.samples, sample{at: ts})
	} else {
		if p.anchor.IsZero() || ts.Sub(p.anchor) > cnt.Window {
			p.samples = p.samples[:0]
			p.anchor = ts
			p.latched = false
		}
		p.samples = append(p.samples, sample{at: ts})
	}

	n := len(p.samples)
	if !compare(float64(n), float64(cnt.Threshold), cnt.Comparison) {
		p.latched = false
		return nil
	}
	if p.latched {
		return nil
	}
	p.latched = true

	data := value.Map{"count": value.Number(float64(n))}
	addGroupKey(data, cnt.GroupBy, ev.Data)
	return &Completion{RuleID: st.id, Data: data, At: ts}
}

func (st *ruleState) handleAggregate(agg rule.Aggregate, ev bus.Event) *Completion {
	if !st.matchers[0].matches(ev) {
		return nil
	}
	key, ok := st.partitionKey(ev.Data)
	if !ok {
		return nil
	}

	v := 1.0
	if agg.Field != "" {
		fv, found := value.Lookup(ev.Data, agg.Field)
		num, isNum := fv.(value.Number)
		if !found || !isNum {
			return nil
		}
		v = float64(num)
	}

	p := st.ensure(key)
	ts := ev.Timestamp
	p.lastActivity = ts
	evictBefore(p, ts.Add(-agg.Window))
	if !compare(aggregateOf(agg.Function, p.samples), agg.Threshold, agg.Comparison) {
		p.latched = false
	}
	p.samples = append(p.samples, sample{at: ts, v: v})

	x := aggregateOf(agg.Function, p.samples)
	if !compare(x, agg.Threshold, agg.Comparison) {
		p.latched = false
		return nil
	}
	if p.latched {
		return nil
	}
	p.latched = true

	data := value.Map{"aggregate": value.Map{
		"value":    value.Number(x),
		"function": value.String(string(agg.Function)),
	}}
	addGroupKey(data, agg.GroupBy, ev.Data)
	return &Completion{RuleID: st.id, Data: data, At: ts}
}

func evictBefore(p *partition, cutoff time.Time) {
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.samples = append(p.samples[:0], p.samples[i:]...)
	}
}

func compare(x, threshold float64, c rule.CountComparison) bool {
	switch c {
	case rule.CompareLte:
		return x <= threshold
	case rule.CompareEq:
		return x == threshold
	default:
		return x >= threshold
	}
}

func aggregateOf(fn rule.AggregateFunc, samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	switch fn {
	case rule.AggCount:
		return float64(len(samples))
	case rule.AggMin:
		min := samples[0].v
		for _, s := range samples[1:] {
			if s.v < min {
				min = s.v
			}
		}
		return min
	case rule.AggMax:
		max := samples[0].v
		for _, s := range samples[1:] {
			if s.v > max {
				max = s.v
			}
		}
		return max
	default:
		sum := 0.0
		for _, s := range samples {
			sum += s.v
		}
		if fn == rule.AggAvg {
			return sum / float64(len(samples))
		}
		return sum
	}
}

func envelope(ev bus.Event) value.Map {
	return value.Map{
		"id":        value.String(ev.ID),
		"topic":     value.String(ev.Topic),
		"timestamp": value.String(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
		"data":      value.Clone(ev.Data),
	}
}

func addGroupKey(data value.Map, groupBy string, from value.Map) {
	if groupBy == "" {
		return
	}
	if _, exists := data[groupBy]; exists {
		return
	}
	if v, ok := value.Lookup(from, groupBy); ok {
		data[groupBy] = value.Clone(v)
	}
}
