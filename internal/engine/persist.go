package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/storage"
	"github.com/roach88/reflex/internal/value"
)

// Snapshot keys on the storage adapter.
const (
	keyRulesSnapshot = "rules:snapshot"
	keyFactsSnapshot = "facts:snapshot"
)

// rulesPayload is the persisted shape of the rule index, sorted by id so
// repeated snapshots of the same state are byte-identical.
type rulesPayload struct {
	Rules  []rule.Rule  `json:"rules"`
	Groups []rule.Group `json:"groups"`
}

// factWire carries one fact with its value as raw JSON; value.Value is an
// interface and cannot be decoded in place.
type factWire struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int64           `json:"version"`
	Source    string          `json:"source,omitempty"`
}

type factsPayload struct {
	Facts []factWire `json:"facts"`
}

// snapshotLocked captures the persistable state under the engine lock.
func (e *Engine) snapshotLocked() (rulesPayload, factsPayload) {
	var rp rulesPayload
	for _, r := range e.index.all() {
		rp.Rules = append(rp.Rules, *r)
	}
	sort.Slice(rp.Rules, func(i, j int) bool { return rp.Rules[i].ID < rp.Rules[j].ID })
	for _, g := range e.index.allGroups() {
		rp.Groups = append(rp.Groups, *g)
	}

	var fp factsPayload
	for _, f := range e.facts.Snapshot() {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			e.logger.Warn("fact not persistable, skipping", "key", f.Key, "error", err)
			continue
		}
		fp.Facts = append(fp.Facts, factWire{
			Key:       f.Key,
			Value:     raw,
			Timestamp: f.Timestamp,
			Version:   f.Version,
			Source:    f.Source,
		})
	}
	sort.Slice(fp.Facts, func(i, j int) bool { return fp.Facts[i].Key < fp.Facts[j].Key })
	return rp, fp
}

// saveSnapshots writes the captured snapshots. Runs without the engine
// lock; the adapter serializes its own writes.
func (e *Engine) saveSnapshots(rp rulesPayload, fp factsPayload) error {
	now := e.clock.Now()
	var firstErr error
	if e.cfg.PersistRules {
		if err := storage.SaveJSON(e.adapter, keyRulesSnapshot, rp, e.cfg.ServerID, now); err != nil {
			firstErr = err
		}
	}
	if e.cfg.PersistFacts {
		if err := storage.SaveJSON(e.adapter, keyFactsSnapshot, fp, e.cfg.ServerID, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flush persists the current snapshots and drains the audit buffer.
func (e *Engine) flush() error {
	e.mu.Lock()
	rp, fp := e.snapshotLocked()
	e.mu.Unlock()

	err := e.saveSnapshots(rp, fp)
	if e.auditLog != nil {
		if auditErr := e.auditLog.Flush(); auditErr != nil && err == nil {
			err = auditErr
		}
	}
	return err
}

// finalFlush runs once during Stop. When the dispatch loop did not drain
// within the grace period it may still hold the engine lock, so the
// snapshot is taken opportunistically; the audit buffer flushes either
// way.
func (e *Engine) finalFlush(drained bool) {
	snapshotted := false
	var rp rulesPayload
	var fp factsPayload
	if drained {
		e.mu.Lock()
		rp, fp = e.snapshotLocked()
		e.mu.Unlock()
		snapshotted = true
	} else if e.mu.TryLock() {
		rp, fp = e.snapshotLocked()
		e.mu.Unlock()
		snapshotted = true
	} else {
		e.logger.Warn("skipping final snapshot, engine lock still held")
	}

	if snapshotted {
		if err := e.saveSnapshots(rp, fp); err != nil {
			e.logger.Error("final snapshot failed", "error", err)
		}
	}
	if err := e.auditLog.Flush(); err != nil {
		e.logger.Error("final audit flush failed", "error", err)
	}
}

// restoreLocked loads persisted snapshots into the empty engine. Rules
// that no longer validate are skipped with a warning rather than failing
// the whole restore; restored facts are marked source "restore" and do
// not fire triggers.
func (e *Engine) restoreLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "restore cancelled")
	}

	var rp rulesPayload
	if _, err := storage.LoadJSON(e.adapter, keyRulesSnapshot, &rp); err != nil {
		return err
	}
	for i := range rp.Groups {
		g := rp.Groups[i]
		e.index.groups[g.ID] = &g
	}
	restored := 0
	for i := range rp.Rules {
		r := rp.Rules[i]
		if err := r.Validate(); err != nil {
			e.logger.Warn("persisted rule no longer valid, skipping", "rule_id", r.ID, "error", err)
			continue
		}
		if _, ok := r.Trigger.(rule.TemporalTrigger); ok {
			if err := e.temporal.Add(r); err != nil {
				e.logger.Warn("persisted rule no longer valid, skipping", "rule_id", r.ID, "error", err)
				continue
			}
		}
		if err := e.index.add(&r); err != nil {
			e.temporal.Remove(r.ID)
			e.logger.Warn("persisted rule conflicts, skipping", "rule_id", r.ID, "error", err)
			continue
		}
		restored++
	}

	var fp factsPayload
	if _, err := storage.LoadJSON(e.adapter, keyFactsSnapshot, &fp); err != nil {
		return err
	}
	snapshot := make(map[string]facts.Fact, len(fp.Facts))
	for _, w := range fp.Facts {
		v, err := value.FromJSON(w.Value)
		if err != nil {
			e.logger.Warn("persisted fact not decodable, skipping", "key", w.Key, "error", err)
			continue
		}
		snapshot[w.Key] = facts.Fact{
			Key:       w.Key,
			Value:     v,
			Timestamp: w.Timestamp,
			Version:   w.Version,
			Source:    "restore",
		}
	}
	e.facts.Restore(snapshot)

	if restored > 0 || len(snapshot) > 0 {
		e.logger.Info("state restored",
			"rules", restored,
			"groups", len(rp.Groups),
			"facts", len(snapshot))
	}
	return nil
}
