package engine

import (
	"context"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/value"
)

// Internal event topics. These are delivered inline to bus subscribers as
// each mutation happens; they never enter the trigger queue, so rules
// cannot match them.
const (
	TopicFactCreated      = "fact_created"
	TopicFactUpdated      = "fact_updated"
	TopicFactDeleted      = "fact_deleted"
	TopicRuleRegistered   = "rule_registered"
	TopicRuleUpdated      = "rule_updated"
	TopicRuleEnabled      = "rule_enabled"
	TopicRuleDisabled     = "rule_disabled"
	TopicRuleUnregistered = "rule_unregistered"
	TopicRuleFired        = "rule_fired"
	TopicRuleFailed       = "rule_failed"
	TopicTimerSet         = "timer_set"
	TopicTimerFired       = "timer_fired"
	TopicTimerCancelled   = "timer_cancelled"
	TopicEngineStarted    = "engine_started"
	TopicEngineStopped    = "engine_stopped"
)

// Audit categories carried in every internal event payload.
const (
	categoryFact      = "fact"
	categoryRule      = "rule"
	categoryExecution = "execution"
	categoryTimer     = "timer"
	categoryEngine    = "engine"
)

// InternalTopics lists every internal event topic, in a stable order.
func InternalTopics() []string {
	return []string{
		TopicFactCreated, TopicFactUpdated, TopicFactDeleted,
		TopicRuleRegistered, TopicRuleUpdated, TopicRuleEnabled,
		TopicRuleDisabled, TopicRuleUnregistered,
		TopicRuleFired, TopicRuleFailed,
		TopicTimerSet, TopicTimerFired, TopicTimerCancelled,
		TopicEngineStarted, TopicEngineStopped,
	}
}

// deliverInternalLocked builds an internal event and fans it out to bus
// subscribers inline. Caller holds the engine lock. data is consumed.
func (e *Engine) deliverInternalLocked(topic, category string, data value.Map) {
	if data == nil {
		data = value.Map{}
	}
	data["category"] = value.String(category)
	ev := e.bus.NewEvent(topic, data, bus.Meta{Source: "engine"})
	e.bus.Deliver(context.Background(), ev)
}
