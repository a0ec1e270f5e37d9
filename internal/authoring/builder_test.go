package authoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

func TestBuilderBuildsFullRule(t *testing.T) {
	r, err := NewRule("flag-large").
		Named("Flag large orders").
		Describe("Flags orders above the review threshold.").
		InGroup("orders").
		Priority(10).
		Tag("orders", "risk").
		OnEvent("order.created").
		WithLookup(rule.Lookup{
			Name:     "account",
			Service:  "accounts",
			Method:   "get",
			Args:     []value.Value{value.Ref{Path: "event.userId"}},
			CacheTTL: 5 * time.Minute,
			OnError:  rule.OnErrorFail,
		}).
		WhenEvent("total", rule.OpGt, 1000).
		WhenLookup("account", "standing", rule.OpEq, "good").
		SetFact("order:${event.orderId}:flagged", "${event.total}").
		EmitEvent("risk.flagged", map[string]any{
			"orderId": "${event.orderId}",
			"tier":    "gold",
		}).
		Do(rule.Log{Level: "info", Message: "flagged ${event.orderId}"}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "flag-large", r.ID)
	assert.Equal(t, "Flag large orders", r.Name)
	assert.Equal(t, "orders", r.Group)
	assert.Equal(t, float64(10), r.Priority)
	assert.Equal(t, []string{"orders", "risk"}, r.Tags)
	assert.True(t, r.Enabled)
	assert.Equal(t, rule.EventTrigger{Topic: "order.created"}, r.Trigger)
	require.Len(t, r.Lookups, 1)

	require.Len(t, r.Conditions, 2)
	assert.Equal(t, rule.Condition{
		Source:   rule.EventSource{Field: "total"},
		Operator: rule.OpGt,
		Value:    value.Number(1000),
	}, r.Conditions[0])
	assert.Equal(t, rule.Condition{
		Source:   rule.LookupSource{Name: "account", Field: "standing"},
		Operator: rule.OpEq,
		Value:    value.String("good"),
	}, r.Conditions[1])

	require.Len(t, r.Actions, 3)
	assert.Equal(t, rule.SetFact{
		Key:   "order:${event.orderId}:flagged",
		Value: value.Ref{Path: "event.total"},
	}, r.Actions[0])
	assert.Equal(t, rule.EmitEvent{
		Topic: "risk.flagged",
		Data: value.Map{
			"orderId": value.Ref{Path: "event.orderId"},
			"tier":    value.String("gold"),
		},
	}, r.Actions[1])
	assert.Equal(t, rule.Log{Level: "info", Message: "flagged ${event.orderId}"}, r.Actions[2])
}

func TestBuilderTriggerVariants(t *testing.T) {
	r, err := NewRule("on-fact").Named("On fact").
		OnFact("inventory:*:level").
		SetFact("restock:needed", true).
		Build()
	require.NoError(t, err)
	assert.Equal(t, rule.FactTrigger{Pattern: "inventory:*:level"}, r.Trigger)

	r, err = NewRule("on-timer").Named("On timer").
		OnTimer("nightly-report").
		EmitEvent("report.due", nil).
		Build()
	require.NoError(t, err)
	assert.Equal(t, rule.TimerTrigger{Name: "nightly-report"}, r.Trigger)

	seq := rule.Sequence{
		Events: []rule.EventMatcher{
			{Topic: "order.created", As: "order"},
			{Topic: "payment.received", As: "payment"},
		},
		Within:  5 * time.Minute,
		GroupBy: "orderId",
	}
	r, err = NewRule("paired").Named("Paired").
		OnPattern(seq).
		EmitEvent("order.paired", map[string]any{"orderId": "${event.groupKey}"}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, rule.TemporalTrigger{Pattern: seq}, r.Trigger)
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewRule("no-name").OnEvent("a.b").SetFact("x", 1).Build()
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "has no name")

	_, err = NewRule("no-trigger").Named("No trigger").SetFact("x", 1).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no trigger")

	_, err = NewRule("no-actions").Named("No actions").OnEvent("a.b").Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no actions")

	_, err = NewRule("double").Named("Double").
		OnEvent("a.b").
		OnFact("x:*").
		SetFact("x", 1).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger set twice")

	type opaque struct{ n int }
	_, err = NewRule("bad-value").Named("Bad value").
		OnEvent("a.b").
		WhenEvent("n", rule.OpEq, opaque{1}).
		SetFact("x", 1).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestBuilderDisabledAndMustBuild(t *testing.T) {
	r := NewRule("dark").Named("Dark launch").
		Disabled().
		OnEvent("feature.used").
		SetFact("feature:seen", true).
		MustBuild()
	assert.False(t, r.Enabled)

	assert.Panics(t, func() {
		NewRule("broken").MustBuild()
	})
}
