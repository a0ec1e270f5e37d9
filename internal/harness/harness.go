package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/authoring"
	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/storage"
	"github.com/roach88/reflex/internal/testutil"
	"github.com/roach88/reflex/internal/value"
)

// stepTimeout bounds how long one step may wait for the engine to go
// quiet. Scenarios run on a fake clock, so a step that hits this is a
// stuck cascade, not a slow one.
const stepTimeout = 5 * time.Second

type runner struct {
	scenario *Scenario
	engine   *engine.Engine
	clock    *clockwork.FakeClock
	internal map[string]bool

	mu     sync.Mutex
	events []EventRecord

	res *Result
}

// Run executes the scenario against a fresh engine: fake clock pinned
// to testutil.Epoch, sequential event IDs, in-memory storage, and a
// discarded logger. The returned error covers harness-level failures
// (unloadable rule file, invalid step); failed expectations land on
// Result.Errors instead.
func Run(s *Scenario) (*Result, error) {
	clock := testutil.NewClock()
	r := &runner{
		scenario: s,
		clock:    clock,
		internal: make(map[string]bool),
		res:      &Result{Scenario: s.Name, Pass: true},
		engine: engine.New(
			engine.WithClock(clock),
			engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			engine.WithIDGenerator(testutil.SequentialIDs()),
			engine.WithStorage(storage.NewMemory()),
		),
	}
	for _, topic := range engine.InternalTopics() {
		r.internal[topic] = true
	}

	for _, rel := range s.Rules {
		if err := r.applyFile(rel); err != nil {
			return nil, err
		}
	}

	unsubscribe, err := r.engine.Subscribe("**", r.capture)
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	if err := r.engine.Start(context.Background()); err != nil {
		return nil, err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		defer cancel()
		_ = r.engine.Stop(ctx)
	}()

	for i := range s.Steps {
		if err := r.step(&s.Steps[i]); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	if err := r.finish(); err != nil {
		return nil, err
	}
	return r.res, nil
}

// capture records external events as they are delivered. Engine
// housekeeping events are invisible to scenarios.
func (r *runner) capture(_ context.Context, ev bus.Event) error {
	if r.internal[ev.Topic] {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, EventRecord{
		Topic:  ev.Topic,
		Source: ev.Source,
		At:     ev.Timestamp.UTC().Format(time.RFC3339),
		Data:   ev.Data,
	})
	return nil
}

func (r *runner) snapshotEvents() []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventRecord{}, r.events...)
}

func (r *runner) applyFile(rel string) error {
	set, err := authoring.LoadFile(r.scenario.path(rel))
	if err != nil {
		return err
	}
	if _, err := authoring.Apply(r.engine, set); err != nil {
		return fmt.Errorf("apply %s: %w", rel, err)
	}
	return nil
}

func (r *runner) step(st *Step) error {
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()

	switch {
	case st.Emit != nil:
		data, err := toMap(st.Emit.Data)
		if err != nil {
			return fmt.Errorf("emit data: %w", err)
		}
		if _, err := r.engine.Emit(st.Emit.Topic, data); err != nil {
			return err
		}
		return r.engine.Drain(ctx)

	case st.SetFact != nil:
		v, err := value.Of(st.SetFact.Value)
		if err != nil {
			return fmt.Errorf("set_fact value: %w", err)
		}
		if _, err := r.engine.SetFact(st.SetFact.Key, v); err != nil {
			return err
		}
		return r.engine.Drain(ctx)

	case st.DeleteFact != nil:
		if _, err := r.engine.DeleteFact(st.DeleteFact.Key); err != nil {
			return err
		}
		return r.engine.Drain(ctx)

	case st.Advance != "":
		d, err := rule.ParseDuration(st.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return r.engine.Settle(ctx)

	case st.Apply != "":
		if err := r.applyFile(st.Apply); err != nil {
			return err
		}
		return r.engine.Drain(ctx)

	case st.Rollback != nil:
		if _, err := r.engine.RollbackRule(st.Rollback.Rule, st.Rollback.Version); err != nil {
			return err
		}
		return r.engine.Drain(ctx)

	case st.Expect != nil:
		return r.evaluate(st.Expect)
	}
	return fmt.Errorf("empty step")
}

// finish snapshots facts and statistics into the result.
func (r *runner) finish() error {
	r.res.Events = r.snapshotEvents()

	r.res.Facts = []FactRecord{}
	facts, err := r.engine.QueryFacts("**")
	if err != nil {
		return err
	}
	for _, f := range facts {
		r.res.Facts = append(r.res.Facts, FactRecord{
			Key:     f.Key,
			Value:   f.Value,
			Version: f.Version,
			Source:  f.Source,
		})
	}

	stats, err := r.engine.Stats()
	if err != nil {
		return err
	}
	r.res.Stats = snapshotStats(stats)
	return nil
}

func toMap(data map[string]any) (value.Map, error) {
	if len(data) == 0 {
		return nil, nil
	}
	v, err := value.Of(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(value.Map)
	if !ok {
		return nil, fmt.Errorf("data is %T, not a map", v)
	}
	return m, nil
}
