package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoRules = `
rules:
  - id: echo
    name: Echo pings
    trigger: { type: event, topic: ping.sent }
    actions:
      - type: emit_event
        topic: pong.sent
        data: { n: "${event.n}" }
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func runDoc(t *testing.T, doc string) (*Result, error) {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return Run(s)
}

func TestRunRecordsOutcome(t *testing.T) {
	rulePath := filepath.Join(t.TempDir(), "echo.yaml")
	writeFile(t, rulePath, echoRules)

	res, err := runDoc(t, fmt.Sprintf(`
name: echo-run
rules: ["%s"]
steps:
  - emit: { topic: ping.sent, data: { n: 1 } }
  - expect:
      events:
        - { topic: pong.sent, count: 1, data: { n: 1 } }
`, rulePath))
	require.NoError(t, err)

	assert.True(t, res.Pass)
	assert.Empty(t, res.Errors)

	require.Len(t, res.Events, 2)
	assert.Equal(t, "ping.sent", res.Events[0].Topic)
	assert.Equal(t, "api", res.Events[0].Source)
	assert.Equal(t, "2024-06-01T12:00:00Z", res.Events[0].At)
	assert.Equal(t, "pong.sent", res.Events[1].Topic)
	assert.Equal(t, "rule:echo", res.Events[1].Source)

	assert.Empty(t, res.Facts)
	assert.Equal(t, uint64(2), res.Stats.TriggersProcessed)
	assert.Equal(t, uint64(2), res.Stats.EventsProcessed)
	assert.Equal(t, uint64(1), res.Stats.RulesExecuted)
	assert.Equal(t, 1, res.Stats.RuleCount)
}

func TestRunIsDeterministic(t *testing.T) {
	rulePath := filepath.Join(t.TempDir(), "echo.yaml")
	writeFile(t, rulePath, echoRules)

	s, err := ParseScenario([]byte(fmt.Sprintf(`
name: repeat
rules: ["%s"]
steps:
  - emit: { topic: ping.sent, data: { n: 1 } }
  - advance: 1m
  - emit: { topic: ping.sent, data: { n: 2 } }
`, rulePath)))
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	b1, err := first.Canonical()
	require.NoError(t, err)
	b2, err := second.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}

func TestRunFailuresAccumulate(t *testing.T) {
	rulePath := filepath.Join(t.TempDir(), "echo.yaml")
	writeFile(t, rulePath, echoRules)

	res, err := runDoc(t, fmt.Sprintf(`
name: failures
rules: ["%s"]
steps:
  - emit: { topic: ping.sent, data: { n: 1 } }
  - expect:
      facts:
        - { key: "missing:fact", value: 7 }
      events:
        - { topic: pong.sent, count: 2 }
      stats: { rulesExecuted: 9 }
  - set_fact: { key: "after:expect", value: done }
`, rulePath))
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], `fact "missing:fact"`)
	assert.Contains(t, res.Errors[0], "Expected: 7")
	assert.Contains(t, res.Errors[0], "Actual: absent")
	assert.Contains(t, res.Errors[1], `events matching "pong.sent"`)
	assert.Contains(t, res.Errors[2], "stat rulesExecuted")

	// A failed expectation does not stop the run.
	require.Len(t, res.Facts, 1)
	assert.Equal(t, "after:expect", res.Facts[0].Key)
	assert.Equal(t, "api", res.Facts[0].Source)
}

func TestRunFactSteps(t *testing.T) {
	res, err := runDoc(t, `
name: fact-ops
steps:
  - set_fact: { key: "feature:beta", value: true }
  - expect:
      facts:
        - { key: "feature:beta" }
  - delete_fact: { key: "feature:beta" }
  - expect:
      facts:
        - { key: "feature:beta", absent: true }
      stats: { factsSet: 1, factsDeleted: 1, triggersProcessed: 2 }
`)
	require.NoError(t, err)

	assert.True(t, res.Pass, "unexpected failures: %v", res.Errors)
	assert.Empty(t, res.Facts)
	assert.Equal(t, uint64(1), res.Stats.FactsSet)
	assert.Equal(t, uint64(1), res.Stats.FactsDeleted)
}

func TestRunStepErrors(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"wildcard emit",
			"name: x\nsteps:\n  - emit: { topic: \"order.*\" }",
			"step 1",
		},
		{
			"missing rule file",
			fmt.Sprintf("name: x\nrules: [%q]\nsteps:\n  - advance: 1m", filepath.Join(dir, "ghost.yaml")),
			"read rule file",
		},
		{
			"apply missing file",
			fmt.Sprintf("name: x\nsteps:\n  - advance: 1m\n  - apply: %q", filepath.Join(dir, "ghost.yaml")),
			"step 2",
		},
		{
			"rollback unknown rule",
			"name: x\nsteps:\n  - rollback: { rule: ghost, version: 1 }",
			"not registered",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ParseScenario([]byte(tc.doc))
			require.NoError(t, err)
			_, err = Run(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
