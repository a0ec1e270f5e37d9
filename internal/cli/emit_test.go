package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitCascade(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"order.created", "--rules", dir, "--data", `{"orderId":"A-1","total":1500}`})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Emitted order.created.")
	assert.Contains(t, out, "order.created  (api)")
	assert.Contains(t, out, "audit.flagged  (rule:audit-flag)")
	assert.Contains(t, out, "order:A-1:flagged")
}

func TestEmitConditionNotMet(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"order.created", "--rules", dir, "--data", `{"orderId":"A-2","total":100}`})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "order.created  (api)")
	assert.NotContains(t, out, "audit.flagged")
	assert.NotContains(t, out, "Facts:")
}

func TestEmitJSON(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"order.created", "--rules", dir, "--data", `{"orderId":"A-1","total":1500}`})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "order.created", data["topic"])

	events, ok := data["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, "order.created", first["topic"])
	assert.Equal(t, "api", first["source"])
	second := events[1].(map[string]any)
	assert.Equal(t, "audit.flagged", second["topic"])
	assert.Equal(t, "rule:audit-flag", second["source"])

	facts, ok := data["facts"].([]any)
	require.True(t, ok)
	require.Len(t, facts, 1)
	fact := facts[0].(map[string]any)
	assert.Equal(t, "order:A-1:flagged", fact["key"])
	assert.Equal(t, true, fact["value"])
	assert.Equal(t, "rule:flag-large", fact["source"])
}

func TestEmitSeedsFacts(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "vip.yaml", vipRules)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"user.login", "--rules", dir,
		"--fact", "vip:enabled=true",
		"--data", `{"userId":"u-7"}`,
	})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "alert.vip  (rule:flag-vip)")
	assert.Contains(t, out, "alert:latest")
}

func TestEmitTrace(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	buf := &bytes.Buffer{}
	cmd := NewEmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"order.created", "--rules", dir, "--data", `{"orderId":"A-1","total":1500}`, "--trace"})

	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "Trace:")
	assert.Contains(t, out, "trigger")
	assert.Contains(t, out, "fired")
}

func TestEmitRejectsWildcardTopic(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	cmd := NewEmitCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"order.*", "--rules", dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "wildcards")
}

func TestEmitBadData(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "cascade.yaml", cascadeRules)

	for name, data := range map[string]string{
		"not an object": `[1,2,3]`,
		"broken json":   `{"orderId":`,
	} {
		t.Run(name, func(t *testing.T) {
			cmd := NewEmitCommand(&RootOptions{Format: "text"})
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs([]string{"order.created", "--rules", dir, "--data", data})

			err := cmd.Execute()
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}
