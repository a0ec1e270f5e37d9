package engine

import (
	"time"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/eval"
	"github.com/roach88/reflex/internal/lookup"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

// fireEnv is the per-fire slice of the triggering world handed through
// the pipeline.
type fireEnv struct {
	// kind is the trigger type: event, fact, timer or temporal.
	kind string

	// payload becomes the event root of the evaluation context.
	payload value.Map

	// aliases are temporal as-names, shadowing context roots.
	aliases value.Map

	// eventID and correlation thread causation into emitted events.
	// Empty for fact, timer and temporal fires.
	eventID     string
	correlation string

	depth int
	at    time.Time

	// desc labels the trigger in traces, logs and internal events,
	// e.g. "event order.created".
	desc string
}

// loop is the dispatch goroutine: it drains the trigger queue one trigger
// at a time until the loop context is cancelled.
func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		if e.loopCtx.Err() != nil {
			return
		}
		t, ok := e.queue.TryDequeue()
		if ok {
			e.dispatch(t)
			continue
		}
		select {
		case <-e.loopCtx.Done():
			return
		case _, open := <-e.queue.Wait():
			if !open && e.queue.Len() == 0 {
				return
			}
		}
	}
}

// dispatch processes one trigger under the engine lock.
func (e *Engine) dispatch(t trigger) {
	if t.kind == triggerBarrier {
		close(t.barrier)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatchDepth = t.depth
	defer func() { e.dispatchDepth = -1 }()

	e.counters.triggers.Add(1)
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))

	switch t.kind {
	case triggerEvent:
		e.dispatchEvent(t)
	case triggerFact:
		e.dispatchFact(t)
	case triggerTimer:
		e.dispatchTimer(t)
	case triggerDeadline:
		if c := e.temporal.HandleDeadline(t.ruleID, t.partition); c != nil {
			cc := *c
			e.counters.temporalCompletions.Add(1)
			e.queue.EnqueueTail(trigger{kind: triggerTemporal, completion: &cc, depth: t.depth})
		}
	case triggerTemporal:
		e.dispatchTemporal(t)
	}
}

func (e *Engine) dispatchEvent(t trigger) {
	ev := *t.event
	e.counters.events.Add(1)
	desc := "event " + ev.Topic
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: ev.Timestamp, Stage: StageTrigger, Trigger: desc, Detail: ev.ID})
	}

	// Observers first, then temporal state, then rule fires: a completing
	// pattern queued here still sees the pre-fire world.
	e.bus.Deliver(e.loopCtx, ev)
	for _, c := range e.temporal.HandleEvent(ev) {
		cc := c
		e.counters.temporalCompletions.Add(1)
		e.queue.EnqueueTail(trigger{kind: triggerTemporal, completion: &cc, depth: t.depth + 1})
	}

	for _, r := range e.index.eventCandidates(ev.Topic) {
		e.fire(r, fireEnv{
			kind:        "event",
			payload:     ev.Data,
			eventID:     ev.ID,
			correlation: ev.CorrelationID,
			depth:       t.depth,
			at:          ev.Timestamp,
			desc:        desc,
		})
	}
}

func (e *Engine) dispatchFact(t trigger) {
	c := *t.change
	desc := "fact " + c.Fact.Key
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: c.Fact.Timestamp, Stage: StageTrigger, Trigger: desc, Detail: string(c.Kind)})
	}

	payload := value.Map{
		"key":     value.String(c.Fact.Key),
		"value":   value.Clone(c.Fact.Value),
		"version": value.Number(float64(c.Fact.Version)),
		"source":  value.String(c.Fact.Source),
		"kind":    value.String(string(c.Kind)),
	}
	if c.HadOld {
		payload["oldValue"] = value.Clone(c.OldValue)
	}

	for _, r := range e.index.factCandidates(c.Fact.Key) {
		e.fire(r, fireEnv{
			kind:    "fact",
			payload: payload,
			depth:   t.depth,
			at:      c.Fact.Timestamp,
			desc:    desc,
		})
	}
}

func (e *Engine) dispatchTimer(t trigger) {
	f := *t.fire
	desc := "timer " + f.Name
	e.counters.timersFired.Add(1)
	e.metrics.TimerFires.Inc()
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: f.At, Stage: StageTrigger, Trigger: desc})
	}
	e.deliverInternalLocked(TopicTimerFired, categoryTimer, value.Map{
		"name":       value.String(f.Name),
		"firedCount": value.Number(float64(f.FiredCount)),
	})

	// The emission was resolved when the timer was set, so it goes out
	// as-is. It is queued before candidate fires run, keeping it ahead
	// of anything those fires emit.
	if f.Emission.Topic != "" {
		ev := e.bus.NewEvent(f.Emission.Topic, f.Emission.Data, bus.Meta{Source: "timer"})
		e.metrics.EventsEmitted.Inc()
		e.queue.EnqueueTail(trigger{kind: triggerEvent, event: &ev})
	}

	payload := value.Map{
		"name":       value.String(f.Name),
		"firedCount": value.Number(float64(f.FiredCount)),
		"topic":      value.String(f.Emission.Topic),
	}
	if f.Emission.Data != nil {
		payload["data"] = value.Clone(f.Emission.Data)
	}
	for _, r := range e.index.timerCandidates(f.Name) {
		e.fire(r, fireEnv{
			kind:    "timer",
			payload: payload,
			depth:   t.depth,
			at:      f.At,
			desc:    desc,
		})
	}
}

func (e *Engine) dispatchTemporal(t trigger) {
	c := *t.completion
	r, ok := e.index.temporalRule(c.RuleID)
	if !ok {
		// Unregistered or disabled between completion and dispatch.
		return
	}
	desc := "temporal " + c.RuleID
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: c.At, Stage: StageTrigger, Trigger: desc})
	}
	e.fire(r, fireEnv{
		kind:    "temporal",
		payload: c.Data,
		aliases: completionAliases(c.Data),
		depth:   t.depth,
		at:      c.At,
		desc:    desc,
	})
}

// completionAliases exposes a completion's named captures as top-level
// roots. The fixed context roots stay reachable.
func completionAliases(data value.Map) value.Map {
	aliases := make(value.Map, len(data))
	for k, v := range data {
		switch k {
		case "event", "fact", "lookups", "context":
			continue
		}
		aliases[k] = v
	}
	return aliases
}

// fire runs the full pipeline for one candidate rule: lookups, conditions,
// actions, bookkeeping.
func (e *Engine) fire(r *rule.Rule, env fireEnv) {
	start := e.clock.Now()
	e.counters.rulesEvaluated.Add(1)

	ectx := &eval.Context{
		Event:   env.payload,
		Aliases: env.aliases,
		Facts:   e.facts,
		Lookups: value.Map{},
		Vars:    e.fireVars(r, env),
	}

	if len(r.Lookups) > 0 {
		reqs, failed, err := e.lookupRequests(ectx, r.Lookups)
		if err != nil {
			e.failFire(r, env, err)
			return
		}
		if failed != nil {
			e.skipFire(r, env, failed)
			return
		}
		results, skipped, err := e.resolver.ResolveAll(e.loopCtx, reqs)
		if err != nil {
			e.failFire(r, env, err)
			return
		}
		if len(skipped) > 0 {
			e.skipFire(r, env, &skipped[0])
			return
		}
		ectx.Lookups = results
	}

	pass, err := ectx.Evaluate(r.Conditions)
	if err != nil {
		e.failFire(r, env, err)
		return
	}
	if !pass {
		if e.trace.Enabled() {
			e.trace.add(TraceEntry{At: env.at, Stage: StageSkipped, Trigger: env.desc, RuleID: r.ID, Detail: "conditions not met"})
		}
		return
	}

	if err := e.runActions(ectx, r, env); err != nil {
		e.failFire(r, env, err)
		return
	}

	elapsed := e.clock.Now().Sub(start)
	e.counters.rulesExecuted.Add(1)
	e.counters.processingNs.Add(elapsed.Nanoseconds())
	e.metrics.RulesFired.Inc()
	e.metrics.RuleSeconds.Observe(elapsed.Seconds())
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: env.at, Stage: StageFired, Trigger: env.desc, RuleID: r.ID})
	}
	e.deliverInternalLocked(TopicRuleFired, categoryExecution, value.Map{
		"ruleId":     value.String(r.ID),
		"ruleName":   value.String(r.Name),
		"trigger":    value.String(env.desc),
		"durationMs": value.Number(float64(elapsed) / float64(time.Millisecond)),
	})
	e.logger.Debug("rule fired", "rule_id", r.ID, "trigger", env.desc)
}

// fireVars seeds the context root with fire metadata. call_service results
// join the same map as actions run.
func (e *Engine) fireVars(r *rule.Rule, env fireEnv) value.Map {
	vars := value.Map{
		"ruleId":      value.String(r.ID),
		"ruleName":    value.String(r.Name),
		"triggerType": value.String(env.kind),
		"timestamp":   value.String(env.at.UTC().Format(time.RFC3339Nano)),
		"depth":       value.Number(float64(env.depth)),
	}
	if env.eventID != "" {
		vars["eventId"] = value.String(env.eventID)
	}
	if env.correlation != "" {
		vars["correlationId"] = value.String(env.correlation)
	}
	return vars
}

// lookupRequests resolves every lookup's arguments against the trigger
// context. An argument that fails to resolve is handled by the lookup's
// own failure policy before any service is called: fail returns an error,
// skip returns the failure for the caller to drop the fire.
func (e *Engine) lookupRequests(ectx *eval.Context, lookups []rule.Lookup) ([]lookup.Request, *lookup.Skipped, error) {
	reqs := make([]lookup.Request, 0, len(lookups))
	for _, l := range lookups {
		policy := l.OnError
		if policy == "" {
			policy = rule.OnErrorSkip
		}
		args := make([]value.Value, len(l.Args))
		for i, arg := range l.Args {
			resolved, err := ectx.ResolveStrict(arg)
			if err != nil {
				err = errs.Wrapf(errs.KindDataResolution, err, "lookup %q arg %d", l.Name, i)
				if policy == rule.OnErrorFail {
					return nil, nil, err
				}
				return nil, &lookup.Skipped{Name: l.Name, Err: err}, nil
			}
			args[i] = resolved
		}
		reqs = append(reqs, lookup.Request{
			Name:    l.Name,
			Service: l.Service,
			Method:  l.Method,
			Args:    args,
			TTL:     l.CacheTTL,
			OnError: policy,
		})
	}
	return reqs, nil, nil
}

// skipFire drops a fire whose lookups could not be satisfied under the
// skip policy.
func (e *Engine) skipFire(r *rule.Rule, env fireEnv, skipped *lookup.Skipped) {
	e.counters.rulesSkipped.Add(1)
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{
			At:      env.at,
			Stage:   StageSkipped,
			Trigger: env.desc,
			RuleID:  r.ID,
			Detail:  "lookup " + skipped.Name + " skipped: " + skipped.Err.Error(),
		})
	}
	e.logger.Debug("rule skipped", "rule_id", r.ID, "lookup", skipped.Name, "error", skipped.Err)
}

// failFire reports a fire that errored during lookups, evaluation or
// action execution. Failures never abort the dispatch loop.
func (e *Engine) failFire(r *rule.Rule, env fireEnv, err error) {
	e.counters.rulesFailed.Add(1)
	e.metrics.RulesFailed.Inc()
	if e.trace.Enabled() {
		e.trace.add(TraceEntry{At: env.at, Stage: StageFailed, Trigger: env.desc, RuleID: r.ID, Detail: err.Error()})
	}
	e.logger.Error("rule failed", "rule_id", r.ID, "trigger", env.desc, "error", err)
	e.deliverInternalLocked(TopicRuleFailed, categoryExecution, value.Map{
		"ruleId":  value.String(r.ID),
		"trigger": value.String(env.desc),
		"error":   value.String(err.Error()),
		"kind":    value.String(string(errs.KindOf(err))),
	})
}
