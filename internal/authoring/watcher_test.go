package authoring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/errs"
)

func writeRuleFile(t *testing.T, path, id string, priority int, topic string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := fmt.Sprintf(`
rules:
  - id: %s
    name: Rule %s
    priority: %d
    trigger: {type: event, topic: %s}
    actions: [{type: log, message: hi}]
`, id, id, priority, topic)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startWatcher(t *testing.T, dir string, e *engine.Engine) chan error {
	t.Helper()
	w, err := NewWatcher(dir, e,
		WithDebounce(20*time.Millisecond),
		WithWatchLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func hasRule(e *engine.Engine, id string) func() bool {
	return func() bool {
		_, err := e.GetRule(id)
		return err == nil
	}
}

func ruleGone(e *engine.Engine, id string) func() bool {
	return func() bool {
		_, err := e.GetRule(id)
		return errs.IsNotFound(err)
	}
}

func TestWatcherSyncsEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.yaml")
	writeRuleFile(t, path, "flag-order", 1, "order.created")

	e := newApplyTarget(t)
	done := startWatcher(t, dir, e)

	require.Eventually(t, hasRule(e, "flag-order"), 5*time.Second, 10*time.Millisecond)

	// An edited definition re-registers as a new version.
	writeRuleFile(t, path, "flag-order", 2, "order.created")
	require.Eventually(t, func() bool {
		r, err := e.GetRule("flag-order")
		return err == nil && r.Version == 2 && r.Priority == 2
	}, 5*time.Second, 10*time.Millisecond)

	// A rule dropped from the file is unregistered.
	writeRuleFile(t, path, "flag-order-v2", 1, "order.created")
	require.Eventually(t, hasRule(e, "flag-order-v2"), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, ruleGone(e, "flag-order"), 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	default:
	}
}

func TestWatcherDropsRulesOfDeletedFile(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, filepath.Join(dir, "a.yaml"), "rule-a", 1, "a.b")
	writeRuleFile(t, filepath.Join(dir, "b.yaml"), "rule-b", 1, "a.c")

	e := newApplyTarget(t)
	startWatcher(t, dir, e)

	require.Eventually(t, hasRule(e, "rule-a"), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, hasRule(e, "rule-b"), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.yaml")))
	require.Eventually(t, ruleGone(e, "rule-b"), 5*time.Second, 10*time.Millisecond)

	_, err := e.GetRule("rule-a")
	assert.NoError(t, err)
}

func TestWatcherKeepsRulesWhenSaveBreaks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.yaml")
	writeRuleFile(t, path, "rule-a", 1, "a.b")

	e := newApplyTarget(t)
	startWatcher(t, dir, e)
	require.Eventually(t, hasRule(e, "rule-a"), 5*time.Second, 10*time.Millisecond)

	// Break the file, then land a second file. Once the second file's
	// rule shows up the watcher has processed both edits.
	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	writeRuleFile(t, filepath.Join(dir, "b.yaml"), "rule-b", 1, "a.c")
	require.Eventually(t, hasRule(e, "rule-b"), 5*time.Second, 10*time.Millisecond)

	r, err := e.GetRule("rule-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
}

func TestWatcherPicksUpNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, filepath.Join(dir, "a.yaml"), "rule-a", 1, "a.b")

	e := newApplyTarget(t)
	startWatcher(t, dir, e)
	require.Eventually(t, hasRule(e, "rule-a"), 5*time.Second, 10*time.Millisecond)

	writeRuleFile(t, filepath.Join(dir, "sub", "c.yaml"), "rule-c", 1, "a.d")
	require.Eventually(t, hasRule(e, "rule-c"), 5*time.Second, 10*time.Millisecond)
}

func TestWatcherStartupFailures(t *testing.T) {
	e := newApplyTarget(t)

	// Empty directory.
	done := startWatcher(t, t.TempDir(), e)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
		assert.Contains(t, err.Error(), "no rule files")
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fail startup")
	}

	// Duplicate id across files.
	dir := t.TempDir()
	writeRuleFile(t, filepath.Join(dir, "one.yaml"), "dup", 1, "a.b")
	writeRuleFile(t, filepath.Join(dir, "two.yaml"), "dup", 1, "a.c")
	done = startWatcher(t, dir, e)
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
		assert.Contains(t, err.Error(), "defined in both")
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fail startup")
	}

	// Missing directory fails at construction.
	_, err := NewWatcher(filepath.Join(dir, "nope"), e)
	require.Error(t, err)

	// Cancellation ends Run.
	okDir := t.TempDir()
	writeRuleFile(t, filepath.Join(okDir, "a.yaml"), "rule-a", 1, "a.b")
	w, err := NewWatcher(okDir, newApplyTarget(t),
		WithWatchLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-runDone:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
