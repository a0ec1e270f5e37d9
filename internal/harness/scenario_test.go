package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/errs"
)

const scenarioDoc = `
name: full-shape
description: "Exercises every step kind."
rules:
  - rules/example.yaml
steps:
  - emit: { topic: order.created, data: { orderId: A-1, total: 1500 } }
  - set_fact: { key: "feature:beta", value: true }
  - delete_fact: { key: "feature:beta" }
  - advance: 2m
  - apply: rules/updated.yaml
  - rollback: { rule: discount, version: 1 }
  - expect:
      facts:
        - { key: "order:A-1:flagged", value: true }
        - { key: "order:A-2:flagged", absent: true }
        - { key: "discount:rate" }
      events:
        - { topic: "audit.*", count: 2, source: "rule:audit-flag", data: { orderId: A-1 } }
      stats: { rulesExecuted: 3 }
`

func TestParseScenarioFullShape(t *testing.T) {
	s, err := ParseScenario([]byte(scenarioDoc))
	require.NoError(t, err)

	assert.Equal(t, "full-shape", s.Name)
	assert.Equal(t, []string{"rules/example.yaml"}, s.Rules)
	require.Len(t, s.Steps, 7)

	require.NotNil(t, s.Steps[0].Emit)
	assert.Equal(t, "order.created", s.Steps[0].Emit.Topic)
	assert.Equal(t, map[string]any{"orderId": "A-1", "total": 1500}, s.Steps[0].Emit.Data)

	require.NotNil(t, s.Steps[1].SetFact)
	assert.Equal(t, "feature:beta", s.Steps[1].SetFact.Key)
	assert.Equal(t, true, s.Steps[1].SetFact.Value)

	require.NotNil(t, s.Steps[2].DeleteFact)
	assert.Equal(t, "2m", s.Steps[3].Advance)
	assert.Equal(t, "rules/updated.yaml", s.Steps[4].Apply)

	require.NotNil(t, s.Steps[5].Rollback)
	assert.Equal(t, "discount", s.Steps[5].Rollback.Rule)
	assert.Equal(t, int64(1), s.Steps[5].Rollback.Version)

	exp := s.Steps[6].Expect
	require.NotNil(t, exp)
	require.Len(t, exp.Facts, 3)
	assert.True(t, exp.Facts[1].Absent)
	assert.Nil(t, exp.Facts[2].Value)
	require.Len(t, exp.Events, 1)
	require.NotNil(t, exp.Events[0].Count)
	assert.Equal(t, 2, *exp.Events[0].Count)
	assert.Equal(t, "rule:audit-flag", exp.Events[0].Source)
	assert.Equal(t, map[string]uint64{"rulesExecuted": 3}, exp.Stats)
}

func TestParseScenarioRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"empty document", "", "scenario is empty"},
		{"missing name", "steps: [ { advance: 1m } ]", "has no name"},
		{"no steps", "name: x", "has no steps"},
		{"unknown field", "name: x\nsteps:\n  - emits: { topic: a.b }", "field emits not found"},
		{
			"mixed step",
			"name: x\nsteps:\n  - emit: { topic: a.b }\n    advance: 1m",
			"mixes emit and advance",
		},
		{"empty step", "name: x\nsteps:\n  - {}", "step does nothing"},
		{"emit without topic", "name: x\nsteps:\n  - emit: { data: { a: 1 } }", "emit has no topic"},
		{"set_fact without key", "name: x\nsteps:\n  - set_fact: { value: 1 }", "set_fact has no key"},
		{"bad advance", "name: x\nsteps:\n  - advance: 5parsecs", "invalid duration"},
		{"negative advance", "name: x\nsteps:\n  - advance: -2m", "not positive"},
		{"rollback without rule", "name: x\nsteps:\n  - rollback: { version: 1 }", "rollback has no rule"},
		{"rollback version zero", "name: x\nsteps:\n  - rollback: { rule: r }", "not positive"},
		{"empty expect", "name: x\nsteps:\n  - expect: {}", "expect is empty"},
		{
			"fact value and absence",
			"name: x\nsteps:\n  - expect:\n      facts: [ { key: k, value: 1, absent: true } ]",
			"at once",
		},
		{
			"event without topic",
			"name: x\nsteps:\n  - expect:\n      events: [ { count: 1 } ]",
			"event expectation has no topic",
		},
		{
			"bad event pattern",
			"name: x\nsteps:\n  - expect:\n      events: [ { topic: \"a.**.b\" } ]",
			"before the final segment",
		},
		{
			"negative count",
			"name: x\nsteps:\n  - expect:\n      events: [ { topic: a.b, count: -1 } ]",
			"is negative",
		},
		{
			"unknown stat",
			"name: x\nsteps:\n  - expect:\n      stats: { rulesFried: 1 }",
			`unknown stat "rulesFried"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.True(t, errs.IsValidation(err), "got kind %q", errs.KindOf(err))
		})
	}
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "run.yaml")
	writeFile(t, path, "name: loaded\nsteps:\n  - advance: 1m\n")

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "loaded", s.Name)
	assert.Equal(t, filepath.Join(dir, "sub", "rules.yaml"), s.path("rules.yaml"))
	assert.Equal(t, "/abs/rules.yaml", s.path("/abs/rules.yaml"))

	_, err = LoadScenario(filepath.Join(dir, "ghost.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: x\n"), 0o644))
	_, err = LoadScenario(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
	assert.True(t, errs.IsValidation(err))
}
