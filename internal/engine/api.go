package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/reflex/internal/audit"
	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/timer"
	"github.com/roach88/reflex/internal/value"
	"github.com/roach88/reflex/internal/versions"
)

// RegisterRule validates and indexes r. The stored rule starts at version
// 1 with creation time stamped by the engine clock; the returned copy
// reflects that.
func (e *Engine) RegisterRule(r rule.Rule) (rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return rule.Rule{}, err
	}
	if _, exists := e.index.rules[r.ID]; exists {
		return rule.Rule{}, errs.Conflictf("rule %q already registered", r.ID)
	}

	stored, err := cloneRule(r)
	if err != nil {
		return rule.Rule{}, err
	}
	now := e.clock.Now()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if _, ok := stored.Trigger.(rule.TemporalTrigger); ok {
		if err := e.temporal.Add(stored); err != nil {
			return rule.Rule{}, err
		}
	}
	if err := e.index.add(&stored); err != nil {
		e.temporal.Remove(stored.ID)
		return rule.Rule{}, err
	}

	e.recordVersion(versions.ChangeRegistered, stored)
	e.deliverInternalLocked(TopicRuleRegistered, categoryRule, value.Map{
		"ruleId":  value.String(stored.ID),
		"name":    value.String(stored.Name),
		"version": value.Number(float64(stored.Version)),
	})
	e.logger.Info("rule registered", "rule_id", stored.ID, "trigger", triggerDesc(stored.Trigger))
	return cloneRule(stored)
}

// UpdateRule replaces the definition of an existing rule, bumping its
// version and preserving its creation time.
func (e *Engine) UpdateRule(r rule.Rule) (rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Rule{}, err
	}
	if err := r.Validate(); err != nil {
		return rule.Rule{}, err
	}
	old, exists := e.index.rules[r.ID]
	if !exists {
		return rule.Rule{}, errs.NotFoundf("rule %q not registered", r.ID)
	}

	stored, err := cloneRule(r)
	if err != nil {
		return rule.Rule{}, err
	}
	stored.Version = old.Version + 1
	stored.CreatedAt = old.CreatedAt
	stored.UpdatedAt = e.clock.Now()

	if err := e.swapRuleLocked(old, &stored); err != nil {
		return rule.Rule{}, err
	}

	e.recordVersion(versions.ChangeUpdated, stored)
	e.deliverInternalLocked(TopicRuleUpdated, categoryRule, value.Map{
		"ruleId":  value.String(stored.ID),
		"name":    value.String(stored.Name),
		"version": value.Number(float64(stored.Version)),
	})
	e.logger.Info("rule updated", "rule_id", stored.ID, "version", stored.Version)
	return cloneRule(stored)
}

// swapRuleLocked replaces old with next in the index and the temporal
// matcher. Temporal state of the old definition is discarded; the new
// definition starts clean.
func (e *Engine) swapRuleLocked(old *rule.Rule, next *rule.Rule) error {
	if _, wasTemporal := old.Trigger.(rule.TemporalTrigger); wasTemporal {
		e.temporal.Remove(old.ID)
	}
	if _, isTemporal := next.Trigger.(rule.TemporalTrigger); isTemporal {
		if err := e.temporal.Add(*next); err != nil {
			if _, wasTemporal := old.Trigger.(rule.TemporalTrigger); wasTemporal {
				_ = e.temporal.Add(*old)
			}
			return err
		}
	}
	e.index.remove(old.ID)
	return e.index.add(next)
}

// UnregisterRule removes the rule and its temporal state. Its recorded
// version history is kept.
func (e *Engine) UnregisterRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	r, exists := e.index.rules[id]
	if !exists {
		return errs.NotFoundf("rule %q not registered", id)
	}
	e.index.remove(id)
	e.temporal.Remove(id)
	e.deliverInternalLocked(TopicRuleUnregistered, categoryRule, value.Map{
		"ruleId": value.String(id),
		"name":   value.String(r.Name),
	})
	e.logger.Info("rule unregistered", "rule_id", id)
	return nil
}

// EnableRule sets the rule's enabled flag. Enabling an enabled rule is a
// no-op that returns the current definition.
func (e *Engine) EnableRule(id string) (rule.Rule, error) {
	return e.setRuleEnabled(id, true)
}

// DisableRule clears the rule's enabled flag. The rule stays registered
// and keeps its temporal state but never fires. Disabling a disabled rule
// is a no-op.
func (e *Engine) DisableRule(id string) (rule.Rule, error) {
	return e.setRuleEnabled(id, false)
}

func (e *Engine) setRuleEnabled(id string, enabled bool) (rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Rule{}, err
	}
	r, exists := e.index.rules[id]
	if !exists {
		return rule.Rule{}, errs.NotFoundf("rule %q not registered", id)
	}
	if r.Enabled == enabled {
		return cloneRule(*r)
	}
	r.Enabled = enabled
	r.Version++
	r.UpdatedAt = e.clock.Now()

	topic, change := TopicRuleEnabled, versions.ChangeEnabled
	if !enabled {
		topic, change = TopicRuleDisabled, versions.ChangeDisabled
	}
	e.recordVersion(change, *r)
	e.deliverInternalLocked(topic, categoryRule, value.Map{
		"ruleId":  value.String(id),
		"version": value.Number(float64(r.Version)),
	})
	e.logger.Info("rule flag changed", "rule_id", id, "enabled", enabled)
	return cloneRule(*r)
}

// GetRule returns a copy of the registered rule.
func (e *Engine) GetRule(id string) (rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Rule{}, err
	}
	r, exists := e.index.rules[id]
	if !exists {
		return rule.Rule{}, errs.NotFoundf("rule %q not registered", id)
	}
	return cloneRule(*r)
}

// GetRules returns copies of every registered rule in registration order.
func (e *Engine) GetRules() ([]rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	all := e.index.all()
	out := make([]rule.Rule, 0, len(all))
	for _, r := range all {
		c, err := cloneRule(*r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// RegisterGroup creates a rule group.
func (e *Engine) RegisterGroup(g rule.Group) (rule.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Group{}, err
	}
	if err := g.Validate(); err != nil {
		return rule.Group{}, err
	}
	if _, exists := e.index.groups[g.ID]; exists {
		return rule.Group{}, errs.Conflictf("group %q already registered", g.ID)
	}
	g.CreatedAt = e.clock.Now()
	stored := g
	e.index.groups[g.ID] = &stored
	e.logger.Info("group registered", "group_id", g.ID, "enabled", g.Enabled)
	return stored, nil
}

// UpdateGroup replaces the definition of an existing group.
func (e *Engine) UpdateGroup(g rule.Group) (rule.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Group{}, err
	}
	if err := g.Validate(); err != nil {
		return rule.Group{}, err
	}
	old, exists := e.index.groups[g.ID]
	if !exists {
		return rule.Group{}, errs.NotFoundf("group %q not registered", g.ID)
	}
	g.CreatedAt = old.CreatedAt
	stored := g
	e.index.groups[g.ID] = &stored
	return stored, nil
}

// UnregisterGroup removes the group. Member rules stay registered; their
// now-stale group reference gates nothing.
func (e *Engine) UnregisterGroup(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	if _, exists := e.index.groups[id]; !exists {
		return errs.NotFoundf("group %q not registered", id)
	}
	delete(e.index.groups, id)
	e.logger.Info("group unregistered", "group_id", id)
	return nil
}

// EnableGroup sets the group's enabled flag.
func (e *Engine) EnableGroup(id string) (rule.Group, error) {
	return e.setGroupEnabled(id, true)
}

// DisableGroup clears the group's enabled flag, gating every member rule.
func (e *Engine) DisableGroup(id string) (rule.Group, error) {
	return e.setGroupEnabled(id, false)
}

func (e *Engine) setGroupEnabled(id string, enabled bool) (rule.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Group{}, err
	}
	g, exists := e.index.groups[id]
	if !exists {
		return rule.Group{}, errs.NotFoundf("group %q not registered", id)
	}
	if g.Enabled != enabled {
		g.Enabled = enabled
		e.logger.Info("group flag changed", "group_id", id, "enabled", enabled)
	}
	return *g, nil
}

// GetGroup returns a copy of the group.
func (e *Engine) GetGroup(id string) (rule.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Group{}, err
	}
	g, exists := e.index.groups[id]
	if !exists {
		return rule.Group{}, errs.NotFoundf("group %q not registered", id)
	}
	return *g, nil
}

// GetGroups returns every group sorted by id.
func (e *Engine) GetGroups() ([]rule.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	all := e.index.allGroups()
	out := make([]rule.Group, 0, len(all))
	for _, g := range all {
		out = append(out, *g)
	}
	return out, nil
}

// Emit queues an event for dispatch and returns it as constructed. It
// blocks while the trigger queue is full. Events emitted before Start
// dispatch once the engine runs.
func (e *Engine) Emit(topic string, data value.Map) (bus.Event, error) {
	return e.emit(topic, data, bus.Meta{Source: "api"})
}

// EmitCorrelated queues an event carrying an explicit correlation chain.
func (e *Engine) EmitCorrelated(topic string, data value.Map, correlationID, causationID string) (bus.Event, error) {
	return e.emit(topic, data, bus.Meta{
		Source:        "api",
		CorrelationID: correlationID,
		CausationID:   causationID,
	})
}

func (e *Engine) emit(topic string, data value.Map, meta bus.Meta) (bus.Event, error) {
	if status(e.status.Load()) == statusStopped {
		return bus.Event{}, errs.Stopped()
	}
	m, err := pattern.CompileTopic(topic)
	if err != nil {
		return bus.Event{}, err
	}
	if !m.IsLiteral() {
		return bus.Event{}, errs.Validationf("emit topic %q contains wildcards", topic)
	}
	ev := e.bus.NewEvent(topic, data, meta)
	e.metrics.EventsEmitted.Inc()
	if !e.queue.Enqueue(trigger{kind: triggerEvent, event: &ev}) {
		return bus.Event{}, errs.Stopped()
	}
	return ev, nil
}

// Subscribe registers h for every event whose topic matches the glob
// pattern, including internal topics. Handlers run inline on the dispatch
// loop and must not call mutating engine APIs; emit through Emit instead.
func (e *Engine) Subscribe(topicPattern string, h bus.Handler) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	unsub, err := e.bus.Subscribe(topicPattern, h)
	if err != nil {
		return nil, err
	}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		unsub()
	}, nil
}

// SetFact writes a fact through the engine, queueing fact trigger
// dispatch for the change.
func (e *Engine) SetFact(key string, v value.Value) (facts.Fact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return facts.Fact{}, err
	}
	if err := validFactKey(key); err != nil {
		return facts.Fact{}, err
	}
	change := e.facts.Set(key, v, "api")
	return change.Fact, nil
}

// DeleteFact removes a fact, reporting whether it existed. Deleting a
// missing fact is a no-op.
func (e *Engine) DeleteFact(key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return false, err
	}
	_, ok := e.facts.Delete(key, "api")
	return ok, nil
}

// GetFact returns the fact stored under key.
func (e *Engine) GetFact(key string) (facts.Fact, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return facts.Fact{}, false, err
	}
	f, ok := e.facts.GetFact(key)
	return f, ok, nil
}

// QueryFacts returns all facts whose key matches the glob pattern, sorted
// by key.
func (e *Engine) QueryFacts(keyPattern string) ([]facts.Fact, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return nil, err
	}
	matched, err := e.facts.Query(keyPattern)
	if err != nil {
		return nil, err
	}
	sortFacts(matched)
	return matched, nil
}

// SetTimer arms a named timer. Timer definitions set through the API must
// be literal; reference tokens only make sense inside a firing rule.
func (e *Engine) SetTimer(cfg rule.TimerConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return err
	}
	if value.ContainsRefToken(cfg.Name) || value.ContainsRefToken(cfg.OnExpire.Topic) || hasRefs(cfg.OnExpire.Data) {
		return errs.Validationf("timer %q carries reference tokens, which require a rule context", cfg.Name)
	}
	return e.setTimerLocked(cfg)
}

// CancelTimer cancels the named timer, reporting whether one was live.
func (e *Engine) CancelTimer(name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return false, err
	}
	return e.cancelTimerLocked(name), nil
}

// GetTimer returns a snapshot of the named timer.
func (e *Engine) GetTimer(name string) (timer.Info, bool, error) {
	if status(e.status.Load()) == statusStopped {
		return timer.Info{}, false, errs.Stopped()
	}
	info, ok := e.timers.Get(name)
	return info, ok, nil
}

// ActiveTimers lists live timers sorted by name.
func (e *Engine) ActiveTimers() ([]timer.Info, error) {
	if status(e.status.Load()) == statusStopped {
		return nil, errs.Stopped()
	}
	return e.timers.Active(), nil
}

// Stats snapshots the engine counters and sizes.
func (e *Engine) Stats() (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return Stats{}, err
	}
	s := Stats{
		RuleCount:          len(e.index.rules),
		GroupCount:         len(e.index.groups),
		FactCount:          e.facts.Len(),
		ActiveTimers:       e.timers.Len(),
		TemporalPartitions: e.temporal.PartitionCount(),
		QueueDepth:         e.queue.Len(),
		LookupCacheSize:    e.resolver.Size(),
	}
	if status(e.status.Load()) == statusRunning {
		s.StartedAt = e.startedAt
		s.Uptime = e.clock.Now().Sub(e.startedAt)
	}
	e.counters.snapshot(&s)
	return s, nil
}

// EnableTracing starts the trace collector.
func (e *Engine) EnableTracing() error {
	if status(e.status.Load()) == statusStopped {
		return errs.Stopped()
	}
	e.trace.Enable()
	return nil
}

// DisableTracing stops the trace collector, keeping collected entries.
func (e *Engine) DisableTracing() error {
	if status(e.status.Load()) == statusStopped {
		return errs.Stopped()
	}
	e.trace.Disable()
	return nil
}

// TraceCollector exposes the ring-buffered trace collector.
func (e *Engine) TraceCollector() (*Trace, error) {
	if status(e.status.Load()) == statusStopped {
		return nil, errs.Stopped()
	}
	return e.trace, nil
}

// AuditLog exposes the audit log. It requires a storage adapter.
func (e *Engine) AuditLog() (*audit.Log, error) {
	if status(e.status.Load()) == statusStopped {
		return nil, errs.Stopped()
	}
	if e.auditLog == nil {
		return nil, errs.Unavailablef("audit log requires a storage adapter")
	}
	return e.auditLog, nil
}

// VersionStore exposes the rule version store. It requires a storage
// adapter.
func (e *Engine) VersionStore() (*versions.Store, error) {
	if status(e.status.Load()) == statusStopped {
		return nil, errs.Stopped()
	}
	if e.versions == nil {
		return nil, errs.Unavailablef("version store requires a storage adapter")
	}
	return e.versions, nil
}

// RollbackRule re-applies a historical definition of the rule as a new
// version: the definitional fields of the snapshot under the current id,
// version bumped past the present one.
func (e *Engine) RollbackRule(id string, version int64) (rule.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return rule.Rule{}, err
	}
	if e.versions == nil {
		return rule.Rule{}, errs.Unavailablef("rollback requires a storage adapter")
	}
	cur, exists := e.index.rules[id]
	if !exists {
		return rule.Rule{}, errs.NotFoundf("rule %q not registered", id)
	}
	entry, err := e.versions.Entry(id, version)
	if err != nil {
		return rule.Rule{}, err
	}

	restored, err := cloneRule(entry.Rule)
	if err != nil {
		return rule.Rule{}, err
	}
	restored.Version = cur.Version + 1
	restored.CreatedAt = cur.CreatedAt
	restored.UpdatedAt = e.clock.Now()

	if err := e.swapRuleLocked(cur, &restored); err != nil {
		return rule.Rule{}, err
	}

	e.recordVersion(versions.ChangeRolledBack, restored)
	e.deliverInternalLocked(TopicRuleUpdated, categoryRule, value.Map{
		"ruleId":       value.String(id),
		"version":      value.Number(float64(restored.Version)),
		"rolledBackTo": value.Number(float64(version)),
	})
	e.logger.Info("rule rolled back", "rule_id", id, "to_version", version, "new_version", restored.Version)
	return cloneRule(restored)
}

// recordVersion appends to the rule's version history. Storage failures
// are logged; the in-memory mutation stands either way.
func (e *Engine) recordVersion(change string, r rule.Rule) {
	if e.versions == nil {
		return
	}
	if _, err := e.versions.Record(change, r); err != nil {
		e.logger.Warn("version record failed", "rule_id", r.ID, "change", change, "error", err)
	}
}

// cloneRule deep-copies a rule through its canonical JSON codec, so
// callers and the index never share mutable state.
func cloneRule(r rule.Rule) (rule.Rule, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return rule.Rule{}, errs.Wrapf(errs.KindInternal, err, "encode rule %q", r.ID)
	}
	var out rule.Rule
	if err := json.Unmarshal(data, &out); err != nil {
		return rule.Rule{}, errs.Wrapf(errs.KindInternal, err, "decode rule %q", r.ID)
	}
	return out, nil
}

// validFactKey admits only literal, well-formed fact keys.
func validFactKey(key string) error {
	m, err := pattern.CompileKey(key)
	if err != nil {
		return err
	}
	if !m.IsLiteral() {
		return errs.Validationf("fact key %q contains wildcards", key)
	}
	return nil
}

// hasRefs reports whether v contains reference nodes or ${path} tokens.
func hasRefs(v value.Value) bool {
	switch t := v.(type) {
	case value.Ref:
		return true
	case value.String:
		return value.ContainsRefToken(string(t))
	case value.List:
		for _, item := range t {
			if hasRefs(item) {
				return true
			}
		}
	case value.Map:
		for _, item := range t {
			if hasRefs(item) {
				return true
			}
		}
	}
	return false
}

func sortFacts(list []facts.Fact) {
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
}

// triggerDesc labels a trigger for logs.
func triggerDesc(t rule.Trigger) string {
	switch tr := t.(type) {
	case rule.EventTrigger:
		return "event " + tr.Topic
	case rule.FactTrigger:
		return "fact " + tr.Pattern
	case rule.TimerTrigger:
		return "timer " + tr.Name
	case rule.TemporalTrigger:
		return fmt.Sprintf("temporal %T", tr.Pattern)
	default:
		return fmt.Sprintf("%T", t)
	}
}
