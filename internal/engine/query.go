package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/eval"
	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// Proof node kinds.
const (
	ProofFactExists   = "fact_exists"
	ProofRule         = "rule"
	ProofUnachievable = "unachievable"
)

// maxProofDepth bounds proof trees. Rule chains deeper than this report
// MaxDepthReached instead of recursing further.
const maxProofDepth = 10

// Proof is one node of a backward-chaining proof tree. A rule node's
// premises are the sub-goals its trigger and conditions require; an
// unachievable node keeps its failed attempts as premises for diagnosis.
type Proof struct {
	Kind     string   `json:"kind"`
	Goal     string   `json:"goal"`
	RuleID   string   `json:"ruleId,omitempty"`
	Trigger  string   `json:"trigger,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Premises []*Proof `json:"premises,omitempty"`
}

// QueryResult is the outcome of a backward-chaining query.
type QueryResult struct {
	Goal            string `json:"goal"`
	Achievable      bool   `json:"achievable"`
	MaxDepthReached bool   `json:"maxDepthReached"`
	Proof           *Proof `json:"proof"`
}

// Query proves whether the goal holds now or could be brought about by
// the registered rules. Fact goals ground in the fact store; rule chains
// ground in triggers an external caller can feed (events, timers). The
// walk is read-only: no actions execute, no state changes.
func (e *Engine) Query(goal rule.Goal) (QueryResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guardLocked(); err != nil {
		return QueryResult{}, err
	}
	if err := validateGoal(goal); err != nil {
		return QueryResult{}, err
	}

	p := &prover{e: e, path: make(map[string]bool)}
	proof := p.proveGoal(goal, 0)
	return QueryResult{
		Goal:            goalDesc(goal),
		Achievable:      proof.Kind != ProofUnachievable,
		MaxDepthReached: p.depthHit,
		Proof:           proof,
	}, nil
}

func validateGoal(g rule.Goal) error {
	switch goal := g.(type) {
	case rule.FactGoal:
		if _, err := pattern.CompileKey(goal.Key); err != nil {
			return err
		}
		if goal.Operator != "" && !goal.Operator.Valid() {
			return errs.Validationf("goal operator %q is not recognized", goal.Operator)
		}
		return nil
	case rule.EventGoal:
		_, err := pattern.CompileTopic(goal.Topic)
		return err
	case nil:
		return errs.Validationf("query needs a goal")
	default:
		return errs.Validationf("unsupported goal type %T", g)
	}
}

func goalDesc(g rule.Goal) string {
	switch goal := g.(type) {
	case rule.FactGoal:
		if goal.Operator == "" || goal.Operator == rule.OpExists {
			return "fact " + goal.Key
		}
		return fmt.Sprintf("fact %s %s %s", goal.Key, goal.Operator, value.Format(goal.Value))
	case rule.EventGoal:
		return "event " + goal.Topic
	default:
		return fmt.Sprintf("%T", g)
	}
}

// prover walks producer rules depth-first. path holds "ruleID|goal" pairs
// along the current branch so mutually-producing rules terminate.
type prover struct {
	e        *Engine
	path     map[string]bool
	depthHit bool
}

func (p *prover) proveGoal(g rule.Goal, depth int) *Proof {
	switch goal := g.(type) {
	case rule.FactGoal:
		return p.proveFact(goal, depth)
	case rule.EventGoal:
		return p.proveEvent(goal, depth)
	default:
		return &Proof{Kind: ProofUnachievable, Goal: goalDesc(g), Reason: "unsupported goal"}
	}
}

func (p *prover) proveFact(goal rule.FactGoal, depth int) *Proof {
	desc := goalDesc(goal)
	if p.factHolds(goal) {
		return &Proof{Kind: ProofFactExists, Goal: desc}
	}
	if depth >= maxProofDepth {
		p.depthHit = true
		return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: "proof depth limit reached"}
	}

	target, err := pattern.CompileKey(goal.Key)
	if err != nil {
		return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: err.Error()}
	}
	var attempts []*Proof
	for _, r := range p.e.index.all() {
		if !p.e.index.active(r) || !producesFact(r.Actions, target) {
			continue
		}
		node := p.proveRule(r, desc, depth)
		if node == nil {
			continue
		}
		if node.Kind == ProofRule {
			return node
		}
		attempts = append(attempts, node)
	}
	reason := "no rule writes this fact"
	if len(attempts) > 0 {
		reason = "no producing rule is achievable"
	}
	return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: reason, Premises: attempts}
}

func (p *prover) proveEvent(goal rule.EventGoal, depth int) *Proof {
	desc := goalDesc(goal)
	if depth >= maxProofDepth {
		p.depthHit = true
		return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: "proof depth limit reached"}
	}

	target, err := pattern.CompileTopic(goal.Topic)
	if err != nil {
		return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: err.Error()}
	}
	var attempts []*Proof
	for _, r := range p.e.index.all() {
		if !p.e.index.active(r) || !producesEvent(r.Actions, target) {
			continue
		}
		node := p.proveRule(r, desc, depth)
		if node == nil {
			continue
		}
		if node.Kind == ProofRule {
			return node
		}
		attempts = append(attempts, node)
	}
	reason := "no rule emits this topic"
	if len(attempts) > 0 {
		reason = "no producing rule is achievable"
	}
	return &Proof{Kind: ProofUnachievable, Goal: desc, Reason: reason, Premises: attempts}
}

// proveRule checks whether r could fire: its trigger must be reachable
// and its fact-backed conditions satisfiable. Returns nil when r already
// sits on the current proof branch.
func (p *prover) proveRule(r *rule.Rule, goal string, depth int) *Proof {
	pathKey := r.ID + "|" + goal
	if p.path[pathKey] {
		return nil
	}
	p.path[pathKey] = true
	defer delete(p.path, pathKey)

	node := &Proof{
		Kind:    ProofRule,
		Goal:    goal,
		RuleID:  r.ID,
		Trigger: triggerDesc(r.Trigger),
	}

	if premise := p.proveTrigger(r.Trigger, depth); premise != nil {
		node.Premises = append(node.Premises, premise)
		if premise.Kind == ProofUnachievable {
			node.Kind = ProofUnachievable
			node.Reason = "trigger unreachable"
			return node
		}
	}

	for _, cond := range r.Conditions {
		src, ok := cond.Source.(rule.FactSource)
		if !ok {
			// Event, context and lookup sources ride on the triggering
			// input, which the caller controls. Only fact-backed
			// conditions constrain achievability.
			continue
		}
		premise := p.proveFact(rule.FactGoal{Key: src.Pattern}, depth+1)
		node.Premises = append(node.Premises, premise)
		if premise.Kind == ProofUnachievable {
			node.Kind = ProofUnachievable
			node.Reason = "condition on fact " + src.Pattern + " unachievable"
			return node
		}
	}
	return node
}

// proveTrigger resolves a trigger to a premise, or nil when the trigger
// is externally satisfiable and needs no sub-proof. Events can always be
// emitted through the API, so event and temporal triggers ground the
// chain; fact triggers recurse; timer triggers prefer an arming rule but
// fall back to the API.
func (p *prover) proveTrigger(t rule.Trigger, depth int) *Proof {
	switch tr := t.(type) {
	case rule.FactTrigger:
		return p.proveFact(rule.FactGoal{Key: tr.Pattern}, depth+1)
	case rule.TimerTrigger:
		target, err := pattern.CompileKey(tr.Name)
		if err != nil {
			return &Proof{Kind: ProofUnachievable, Goal: "timer " + tr.Name, Reason: err.Error()}
		}
		if depth >= maxProofDepth {
			p.depthHit = true
			return nil
		}
		for _, r := range p.e.index.all() {
			if !p.e.index.active(r) || !armsTimer(r.Actions, target) {
				continue
			}
			if node := p.proveRule(r, "timer "+tr.Name, depth+1); node != nil && node.Kind == ProofRule {
				return node
			}
		}
		return nil // timers can be armed through the API
	default:
		return nil
	}
}

// factHolds checks the goal against the live fact store, reusing the
// condition evaluator so operators and wildcard any-match behave exactly
// as they do in rules.
func (p *prover) factHolds(goal rule.FactGoal) bool {
	op := goal.Operator
	if op == "" {
		op = rule.OpExists
	}
	v := goal.Value
	if v == nil {
		v = value.Null{}
	}
	ectx := &eval.Context{Facts: p.e.facts}
	ok, err := ectx.Evaluate([]rule.Condition{{
		Source:   rule.FactSource{Pattern: goal.Key},
		Operator: op,
		Value:    v,
	}})
	return err == nil && ok
}

// producesFact reports whether any action, including branches of
// conditionals, writes a fact whose key can overlap the target.
func producesFact(actions []rule.Action, target *pattern.Matcher) bool {
	for _, a := range actions {
		switch act := a.(type) {
		case rule.SetFact:
			if m, err := pattern.CompileKey(keyPatternOf(act.Key)); err == nil && m.Overlaps(target) {
				return true
			}
		case rule.Conditional:
			if producesFact(act.Then, target) || producesFact(act.Else, target) {
				return true
			}
		}
	}
	return false
}

// producesEvent reports whether any action emits an event whose topic can
// overlap the target, counting timer expiry emissions.
func producesEvent(actions []rule.Action, target *pattern.Matcher) bool {
	for _, a := range actions {
		switch act := a.(type) {
		case rule.EmitEvent:
			if m, err := pattern.CompileTopic(topicPatternOf(act.Topic)); err == nil && m.Overlaps(target) {
				return true
			}
		case rule.SetTimer:
			if act.Timer.OnExpire.Topic == "" {
				continue
			}
			if m, err := pattern.CompileTopic(topicPatternOf(act.Timer.OnExpire.Topic)); err == nil && m.Overlaps(target) {
				return true
			}
		case rule.Conditional:
			if producesEvent(act.Then, target) || producesEvent(act.Else, target) {
				return true
			}
		}
	}
	return false
}

// armsTimer reports whether any action sets a timer whose name can
// overlap the target.
func armsTimer(actions []rule.Action, target *pattern.Matcher) bool {
	for _, a := range actions {
		switch act := a.(type) {
		case rule.SetTimer:
			if m, err := pattern.CompileKey(keyPatternOf(act.Timer.Name)); err == nil && m.Overlaps(target) {
				return true
			}
		case rule.Conditional:
			if armsTimer(act.Then, target) || armsTimer(act.Else, target) {
				return true
			}
		}
	}
	return false
}

// keyPatternOf widens an interpolated fact key into a glob: segments
// carrying ${path} tokens become single-segment wildcards. A reference
// that expands to multiple segments slips past this approximation; the
// proof then errs toward achievable, never toward a false negative.
func keyPatternOf(key string) string {
	return widen(key, pattern.KeySep)
}

func topicPatternOf(topic string) string {
	return widen(topic, pattern.TopicSep)
}

func widen(s, sep string) string {
	if !value.ContainsRefToken(s) {
		return s
	}
	segs := strings.Split(s, sep)
	for i, seg := range segs {
		if value.ContainsRefToken(seg) {
			segs[i] = "*"
		}
	}
	return strings.Join(segs, sep)
}
