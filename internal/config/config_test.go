package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reflex/internal/errs"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queueCapacity: 32\nlookupTimeout: 250ms\npersistFacts: false\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.LookupTimeout)
	assert.False(t, cfg.PersistFacts)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MaxEmitDepth, cfg.MaxEmitDepth)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reflex.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queueCapacity: 32\n"), 0o644))
	t.Setenv("REFLEX_QUEUE_CAPACITY", "64")
	t.Setenv("REFLEX_SWEEP_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("REFLEX_MAX_EMIT_DEPTH", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.QueueCapacity = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.FlushInterval = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.TraceCapacity = -1
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}
