// Package config holds the engine tunables shared by the CLI and embedding
// processes. Values come from defaults, an optional YAML file and REFLEX_*
// environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/reflex/internal/errs"
)

// Config carries every tunable the engine accepts.
type Config struct {
	// QueueCapacity bounds the trigger queue for external producers.
	// Emit and SetFact block while the queue is full.
	QueueCapacity int `yaml:"queueCapacity"`

	// MaxEmitDepth bounds re-entrant emission chains within one external
	// trigger. A rule fire that exceeds it fails with a validation error.
	MaxEmitDepth int `yaml:"maxEmitDepth"`

	// LookupTimeout bounds each external service call made for a lookup.
	LookupTimeout time.Duration `yaml:"lookupTimeout"`

	// StopGrace bounds how long Stop waits for in-flight lookups.
	StopGrace time.Duration `yaml:"stopGrace"`

	// TraceCapacity is the trace collector's ring size.
	TraceCapacity int `yaml:"traceCapacity"`

	// SweepInterval drives lookup cache eviction and temporal partition
	// garbage collection.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// FlushInterval drives write-behind persistence of facts, rules and
	// audit buckets when a storage adapter is configured.
	FlushInterval time.Duration `yaml:"flushInterval"`

	// PersistFacts and PersistRules select what the flush loop snapshots.
	PersistFacts bool `yaml:"persistFacts"`
	PersistRules bool `yaml:"persistRules"`

	// ServerID names this process in persisted payload metadata.
	ServerID string `yaml:"serverId"`
}

// Default returns the configuration the engine runs with when nothing is
// overridden.
func Default() Config {
	return Config{
		QueueCapacity: 1024,
		MaxEmitDepth:  25,
		LookupTimeout: 5 * time.Second,
		StopGrace:     5 * time.Second,
		TraceCapacity: 1000,
		SweepInterval: 30 * time.Second,
		FlushInterval: 10 * time.Second,
		PersistFacts:  true,
		PersistRules:  true,
		ServerID:      "reflex",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and REFLEX_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Wrapf(errs.KindValidation, err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Wrapf(errs.KindValidation, err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays REFLEX_* environment variables onto cfg.
func (c *Config) applyEnv() error {
	for _, v := range []struct {
		key string
		dst *int
	}{
		{"REFLEX_QUEUE_CAPACITY", &c.QueueCapacity},
		{"REFLEX_MAX_EMIT_DEPTH", &c.MaxEmitDepth},
		{"REFLEX_TRACE_CAPACITY", &c.TraceCapacity},
	} {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return errs.Validationf("%s=%q is not an integer", v.key, raw)
		}
		*v.dst = n
	}
	for _, v := range []struct {
		key string
		dst *time.Duration
	}{
		{"REFLEX_LOOKUP_TIMEOUT", &c.LookupTimeout},
		{"REFLEX_STOP_GRACE", &c.StopGrace},
		{"REFLEX_SWEEP_INTERVAL", &c.SweepInterval},
		{"REFLEX_FLUSH_INTERVAL", &c.FlushInterval},
	} {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errs.Validationf("%s=%q is not a duration", v.key, raw)
		}
		*v.dst = d
	}
	for _, v := range []struct {
		key string
		dst *bool
	}{
		{"REFLEX_PERSIST_FACTS", &c.PersistFacts},
		{"REFLEX_PERSIST_RULES", &c.PersistRules},
	} {
		raw := os.Getenv(v.key)
		if raw == "" {
			continue
		}
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return errs.Validationf("%s=%q is not a boolean", v.key, raw)
		}
		*v.dst = b
	}
	if id := os.Getenv("REFLEX_SERVER_ID"); id != "" {
		c.ServerID = id
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.QueueCapacity < 1 {
		return errs.Validationf("queueCapacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.MaxEmitDepth < 1 {
		return errs.Validationf("maxEmitDepth must be at least 1, got %d", c.MaxEmitDepth)
	}
	if c.LookupTimeout < 0 {
		return errs.Validationf("lookupTimeout may not be negative")
	}
	if c.StopGrace < 0 {
		return errs.Validationf("stopGrace may not be negative")
	}
	if c.TraceCapacity < 1 {
		return errs.Validationf("traceCapacity must be at least 1, got %d", c.TraceCapacity)
	}
	if c.SweepInterval <= 0 {
		return errs.Validationf("sweepInterval must be positive")
	}
	if c.FlushInterval <= 0 {
		return errs.Validationf("flushInterval must be positive")
	}
	return nil
}

// String renders the config for startup logging.
func (c Config) String() string {
	return fmt.Sprintf("queue=%d depth=%d lookupTimeout=%s sweep=%s flush=%s",
		c.QueueCapacity, c.MaxEmitDepth, c.LookupTimeout, c.SweepInterval, c.FlushInterval)
}
