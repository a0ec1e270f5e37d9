package engine

import (
	"sort"

	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
)

// indexed pairs a registered rule with its compiled trigger matcher.
type indexed struct {
	r *rule.Rule
	m *pattern.Matcher
}

// ruleIndex owns registered rules and groups and routes triggers to
// candidate rules. Confined to the engine lock.
type ruleIndex struct {
	rules  map[string]*rule.Rule
	groups map[string]*rule.Group

	event    []indexed
	fact     []indexed
	timer    []indexed
	temporal []*rule.Rule
}

func newRuleIndex() *ruleIndex {
	return &ruleIndex{
		rules:  make(map[string]*rule.Rule),
		groups: make(map[string]*rule.Group),
	}
}

// add indexes r under its trigger. The caller has validated r, so pattern
// compilation cannot fail here, but the error is still propagated rather
// than swallowed.
func (ix *ruleIndex) add(r *rule.Rule) error {
	switch t := r.Trigger.(type) {
	case rule.EventTrigger:
		m, err := pattern.CompileTopic(t.Topic)
		if err != nil {
			return err
		}
		ix.event = append(ix.event, indexed{r: r, m: m})
	case rule.FactTrigger:
		m, err := pattern.CompileKey(t.Pattern)
		if err != nil {
			return err
		}
		ix.fact = append(ix.fact, indexed{r: r, m: m})
	case rule.TimerTrigger:
		m, err := pattern.CompileKey(t.Name)
		if err != nil {
			return err
		}
		ix.timer = append(ix.timer, indexed{r: r, m: m})
	case rule.TemporalTrigger:
		ix.temporal = append(ix.temporal, r)
	}
	ix.rules[r.ID] = r
	return nil
}

// remove drops the rule from every index. Unknown ids are a no-op.
func (ix *ruleIndex) remove(id string) {
	delete(ix.rules, id)
	ix.event = dropIndexed(ix.event, id)
	ix.fact = dropIndexed(ix.fact, id)
	ix.timer = dropIndexed(ix.timer, id)
	for i, r := range ix.temporal {
		if r.ID == id {
			ix.temporal = append(ix.temporal[:i], ix.temporal[i+1:]...)
			break
		}
	}
}

func dropIndexed(list []indexed, id string) []indexed {
	for i, entry := range list {
		if entry.r.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// active reports whether r may fire: the rule is enabled and, when it
// names a group the index knows, that group is enabled too. A stale group
// reference gates nothing.
func (ix *ruleIndex) active(r *rule.Rule) bool {
	if !r.Enabled {
		return false
	}
	if r.Group == "" {
		return true
	}
	g, ok := ix.groups[r.Group]
	return !ok || g.Enabled
}

// eventCandidates returns the active rules whose event trigger matches
// topic, in firing order.
func (ix *ruleIndex) eventCandidates(topic string) []*rule.Rule {
	return ix.candidates(ix.event, topic)
}

// factCandidates returns the active rules whose fact trigger matches key,
// in firing order.
func (ix *ruleIndex) factCandidates(key string) []*rule.Rule {
	return ix.candidates(ix.fact, key)
}

// timerCandidates returns the active rules whose timer trigger matches
// name, in firing order.
func (ix *ruleIndex) timerCandidates(name string) []*rule.Rule {
	return ix.candidates(ix.timer, name)
}

func (ix *ruleIndex) candidates(list []indexed, key string) []*rule.Rule {
	var out []*rule.Rule
	for _, entry := range list {
		if ix.active(entry.r) && entry.m.Matches(key) {
			out = append(out, entry.r)
		}
	}
	sortByFiringOrder(out)
	return out
}

// temporalRule returns the active temporal rule with the given id.
func (ix *ruleIndex) temporalRule(id string) (*rule.Rule, bool) {
	r, ok := ix.rules[id]
	if !ok || !ix.active(r) {
		return nil, false
	}
	if _, isTemporal := r.Trigger.(rule.TemporalTrigger); !isTemporal {
		return nil, false
	}
	return r, true
}

// all returns every registered rule in registration order.
func (ix *ruleIndex) all() []*rule.Rule {
	out := make([]*rule.Rule, 0, len(ix.rules))
	for _, r := range ix.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// allGroups returns every group sorted by id.
func (ix *ruleIndex) allGroups() []*rule.Group {
	out := make([]*rule.Group, 0, len(ix.groups))
	for _, g := range ix.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortByFiringOrder orders candidates by priority descending, then
// creation time, then id, so equal-priority rules fire in registration
// order and ties stay deterministic.
func sortByFiringOrder(rules []*rule.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
