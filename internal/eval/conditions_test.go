package eval

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/value"
)

func conditionContext(t *testing.T) *Context {
	t.Helper()
	store := facts.NewStore(clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	store.Set("user:1:age", value.Number(17), "test")
	store.Set("user:2:age", value.Number(42), "test")
	store.Set("flags:dark", value.Bool(true), "test")
	store.Set("nullfact", value.Null{}, "test")

	return &Context{
		Event: value.Map{
			"amount": value.Number(150),
			"tier":   value.String("gold"),
			"tags":   value.List{value.String("vip"), value.String("eu")},
			"email":  value.String("ada@example.com"),
			"none":   value.Null{},
		},
		Facts: store,
		Lookups: value.Map{
			"loyalty": value.Map{"points": value.Number(420)},
		},
		Vars: value.Map{"attempt": value.Number(2)},
	}
}

func TestOperators(t *testing.T) {
	c := conditionContext(t)

	tests := []struct {
		name string
		cond rule.Condition
		want bool
	}{
		{"eq hit", cond(rule.EventSource{Field: "tier"}, rule.OpEq, value.String("gold")), true},
		{"eq miss", cond(rule.EventSource{Field: "tier"}, rule.OpEq, value.String("silver")), false},
		{"eq undefined", cond(rule.EventSource{Field: "nope"}, rule.OpEq, value.Null{}), false},
		{"neq hit", cond(rule.EventSource{Field: "tier"}, rule.OpNeq, value.String("silver")), true},
		{"neq undefined is true", cond(rule.EventSource{Field: "nope"}, rule.OpNeq, value.String("x")), true},
		{"gte hit", cond(rule.EventSource{Field: "amount"}, rule.OpGte, value.Number(100)), true},
		{"gt boundary", cond(rule.EventSource{Field: "amount"}, rule.OpGt, value.Number(150)), false},
		{"lt hit", cond(rule.EventSource{Field: "amount"}, rule.OpLt, value.Number(200)), true},
		{"lte boundary", cond(rule.EventSource{Field: "amount"}, rule.OpLte, value.Number(150)), true},
		{"numeric vs string is false", cond(rule.EventSource{Field: "tier"}, rule.OpGt, value.Number(1)), false},
		{"numeric undefined is false", cond(rule.EventSource{Field: "nope"}, rule.OpGt, value.Number(1)), false},
		{"in hit", cond(rule.EventSource{Field: "tier"}, rule.OpIn, value.List{value.String("gold"), value.String("silver")}), true},
		{"in miss", cond(rule.EventSource{Field: "tier"}, rule.OpIn, value.List{value.String("bronze")}), false},
		{"in non-list is false", cond(rule.EventSource{Field: "tier"}, rule.OpIn, value.String("gold")), false},
		{"not_in hit", cond(rule.EventSource{Field: "tier"}, rule.OpNotIn, value.List{value.String("bronze")}), true},
		{"not_in undefined is true", cond(rule.EventSource{Field: "nope"}, rule.OpNotIn, value.List{value.String("x")}), true},
		{"contains substring", cond(rule.EventSource{Field: "email"}, rule.OpContains, value.String("@example")), true},
		{"contains element", cond(rule.EventSource{Field: "tags"}, rule.OpContains, value.String("vip")), true},
		{"contains miss", cond(rule.EventSource{Field: "tags"}, rule.OpContains, value.String("us")), false},
		{"not_contains hit", cond(rule.EventSource{Field: "tags"}, rule.OpNotContains, value.String("us")), true},
		{"matches hit", cond(rule.EventSource{Field: "email"}, rule.OpMatches, value.String(`^[a-z]+@example\.com$`)), true},
		{"matches miss", cond(rule.EventSource{Field: "email"}, rule.OpMatches, value.String(`^x`)), false},
		{"matches non-string source", cond(rule.EventSource{Field: "amount"}, rule.OpMatches, value.String("1")), false},
		{"exists hit", cond(rule.EventSource{Field: "tier"}, rule.OpExists, value.Bool(true)), true},
		{"exists null is false", cond(rule.EventSource{Field: "none"}, rule.OpExists, value.Bool(true)), false},
		{"not_exists hit", cond(rule.EventSource{Field: "nope"}, rule.OpNotExists, value.Bool(true)), true},
		{"not_exists null is true", cond(rule.EventSource{Field: "none"}, rule.OpNotExists, value.Bool(true)), true},
		{"not_exists miss", cond(rule.EventSource{Field: "tier"}, rule.OpNotExists, value.Bool(true)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.evalCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditionSources(t *testing.T) {
	c := conditionContext(t)

	tests := []struct {
		name string
		cond rule.Condition
		want bool
	}{
		{"fact exact key", cond(rule.FactSource{Pattern: "user:2:age"}, rule.OpEq, value.Number(42)), true},
		{"fact null not exists", cond(rule.FactSource{Pattern: "nullfact"}, rule.OpNotExists, value.Bool(true)), true},
		{"lookup field", cond(rule.LookupSource{Name: "loyalty", Field: "points"}, rule.OpGte, value.Number(400)), true},
		{"lookup whole value", cond(rule.LookupSource{Name: "loyalty"}, rule.OpExists, value.Bool(true)), true},
		{"lookup skipped not exists", cond(rule.LookupSource{Name: "absent"}, rule.OpNotExists, value.Bool(true)), true},
		{"context key", cond(rule.ContextSource{Key: "attempt"}, rule.OpLt, value.Number(3)), true},
		{"whole event exists", cond(rule.EventSource{}, rule.OpExists, value.Bool(true)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.evalCondition(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFactGlobAnyMatch(t *testing.T) {
	c := conditionContext(t)

	ok, err := c.evalCondition(cond(rule.FactSource{Pattern: "user:*:age"}, rule.OpGte, value.Number(40)))
	require.NoError(t, err)
	assert.True(t, ok, "one of the matched ages satisfies gte 40")

	ok, err = c.evalCondition(cond(rule.FactSource{Pattern: "user:*:age"}, rule.OpGte, value.Number(100)))
	require.NoError(t, err)
	assert.False(t, ok, "no matched age satisfies gte 100")

	ok, err = c.evalCondition(cond(rule.FactSource{Pattern: "missing:*"}, rule.OpNotExists, value.Bool(true)))
	require.NoError(t, err)
	assert.True(t, ok, "zero matches behave as undefined")

	ok, err = c.evalCondition(cond(rule.FactSource{Pattern: "user:*:age"}, rule.OpExists, value.Bool(true)))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionValueReferences(t *testing.T) {
	c := conditionContext(t)

	// Compare the event amount against a value fetched by reference.
	ok, err := c.evalCondition(cond(rule.EventSource{Field: "amount"}, rule.OpGte, value.Ref{Path: "lookups.loyalty.points"}))
	require.NoError(t, err)
	assert.False(t, ok, "150 >= 420 must fail")

	// Missing reference in the value resolves to null, not an error.
	ok, err = c.evalCondition(cond(rule.EventSource{Field: "amount"}, rule.OpEq, value.Ref{Path: "fact.absent"}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateAndSemantics(t *testing.T) {
	c := conditionContext(t)

	all := []rule.Condition{
		cond(rule.EventSource{Field: "amount"}, rule.OpGte, value.Number(100)),
		cond(rule.EventSource{Field: "tier"}, rule.OpEq, value.String("gold")),
	}
	ok, err := c.Evaluate(all)
	require.NoError(t, err)
	assert.True(t, ok)

	all = append(all, cond(rule.EventSource{Field: "tier"}, rule.OpEq, value.String("silver")))
	ok, err = c.Evaluate(all)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Evaluate(nil)
	require.NoError(t, err)
	assert.True(t, ok, "no conditions means the rule always fires")
}

func TestMatchesInvalidPattern(t *testing.T) {
	c := conditionContext(t)
	_, err := c.evalCondition(cond(rule.EventSource{Field: "email"}, rule.OpMatches, value.String("(")))
	assert.Error(t, err)
}

func cond(src rule.Source, op rule.Operator, v value.Value) rule.Condition {
	return rule.Condition{Source: src, Operator: op, Value: v}
}
