// Package engine wires the rule index, fact store, event bus, lookup
// resolver, timer scheduler and temporal matcher into one dispatching
// core.
//
// All engine state is serialized through a single dispatch loop: one
// goroutine drains the trigger queue and, per trigger, takes the engine
// lock, matches candidate rules and fires them to completion. Public API
// calls interleave between triggers, never inside one, so every fire sees
// a consistent world. Consequences of a fire (emitted events, fact
// changes) join the tail of the queue and are processed in order.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/audit"
	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/config"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/lookup"
	"github.com/roach88/reflex/internal/metrics"
	"github.com/roach88/reflex/internal/service"
	"github.com/roach88/reflex/internal/storage"
	"github.com/roach88/reflex/internal/temporal"
	"github.com/roach88/reflex/internal/timer"
	"github.com/roach88/reflex/internal/value"
	"github.com/roach88/reflex/internal/versions"
)

type status int32

const (
	statusNew status = iota
	statusRunning
	statusStopped
)

// Engine is the rules engine core.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clockwork.Clock
	nextID func() string

	mu     sync.Mutex
	status atomic.Int32

	index    *ruleIndex
	facts    *facts.Store
	bus      *bus.Bus
	services *service.Registry
	resolver *lookup.Resolver
	timers   *timer.Scheduler
	temporal *temporal.Engine
	queue    *triggerQueue
	trace    *Trace
	counters counters
	metrics  *metrics.Metrics

	adapter  storage.Adapter
	versions *versions.Store
	auditLog *audit.Log

	// dispatchDepth is the depth of the trigger currently being
	// dispatched; -1 while a public mutator runs. The fact change hook
	// reads it to assign cascade depth.
	dispatchDepth int

	startedAt  time.Time
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	bgStop     chan struct{}
	bg         sync.WaitGroup
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithConfig replaces the default configuration. Pass a validated config;
// Load and Default both return one.
func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock substitutes the engine clock. Tests pass a fake clock to
// drive timers and temporal windows deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger replaces the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithIDGenerator substitutes the event and timer id source. Tests pass a
// sequential generator to pin ids in golden output.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.nextID = fn }
}

// WithStorage attaches a storage adapter, enabling snapshot persistence,
// the version store and the audit log.
func WithStorage(adapter storage.Adapter) Option {
	return func(e *Engine) { e.adapter = adapter }
}

// WithMetrics attaches Prometheus instrumentation. Without it the engine
// records into an unexported throwaway registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewIDGenerator returns the default id source: time-sortable UUIDv7
// strings. Safe for concurrent use.
func NewIDGenerator() func() string {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// New assembles an engine. The engine accepts rule and fact mutations
// immediately; triggers queue up until Start launches the dispatch loop.
func New(opts ...Option) *Engine {
	e := &Engine{
		cfg:           config.Default(),
		logger:        slog.Default(),
		clock:         clockwork.NewRealClock(),
		nextID:        NewIDGenerator(),
		dispatchDepth: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}

	e.index = newRuleIndex()
	e.queue = newTriggerQueue(e.cfg.QueueCapacity)
	e.trace = newTrace(e.cfg.TraceCapacity)

	e.facts = facts.NewStore(e.clock)
	e.facts.SetChangeHook(e.onFactChange)

	e.bus = bus.New(e.clock, e.nextID)
	e.bus.SetErrorHook(func(err error, ev bus.Event) {
		e.logger.Error("subscriber failed", "topic", ev.Topic, "event_id", ev.ID, "error", err)
	})

	e.services = service.NewRegistry()
	e.resolver = lookup.NewResolver(e.services, e.clock)
	e.resolver.SetTimeout(e.cfg.LookupTimeout)
	e.resolver.SetStatsHook(e.onCacheProbe)

	e.timers = timer.NewScheduler(e.clock, e.onTimerFire)
	e.timers.SetIDGenerator(e.nextID)
	e.temporal = temporal.New(e.clock, e.timers, e.onTemporalDeadline)

	if e.adapter != nil {
		e.versions = versions.NewStore(e.adapter, e.cfg.ServerID, e.clock)
		e.auditLog = audit.NewLog(e.adapter, e.cfg.ServerID, e.clock)
		for _, topic := range InternalTopics() {
			// Literal topics cannot fail to compile.
			_, _ = e.bus.Subscribe(topic, e.auditLog.Handler())
		}
	}
	return e
}

// Services exposes the service registry so embedders can bind lookup and
// call_service targets. Register services before rules that need them
// start firing.
func (e *Engine) Services() *service.Registry {
	return e.services
}

// Start restores persisted state if a storage adapter is attached and
// launches the dispatch loop, timer scheduler and background flush and
// sweep loops. Triggers queued before Start dispatch immediately after.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch status(e.status.Load()) {
	case statusRunning:
		return errs.Conflictf("engine already started")
	case statusStopped:
		return errs.Stopped()
	}

	if e.adapter != nil {
		if err := e.restoreLocked(ctx); err != nil {
			e.logger.Warn("state restore failed, continuing empty", "error", err)
		}
	}

	e.startedAt = e.clock.Now()
	e.loopCtx, e.loopCancel = context.WithCancel(context.Background())
	e.loopDone = make(chan struct{})
	e.bgStop = make(chan struct{})
	e.status.Store(int32(statusRunning))

	e.timers.Start()
	go e.loop()
	e.bg.Add(1)
	go e.sweepLoop()
	if e.adapter != nil {
		e.bg.Add(1)
		go e.flushLoop()
	}

	e.deliverInternalLocked(TopicEngineStarted, categoryEngine, value.Map{
		"serverId": value.String(e.cfg.ServerID),
	})
	e.logger.Info("engine started",
		"server_id", e.cfg.ServerID,
		"rules", len(e.index.rules),
		"facts", e.facts.Len(),
		"config", e.cfg.String())
	return nil
}

// Stop halts dispatch and rejects all further calls. Queued triggers are
// dropped, not drained. In-flight work gets the configured grace period;
// then timers stop, background loops exit and, with storage attached, a
// final flush persists snapshots and buffered audit entries.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if status(e.status.Load()) != statusRunning {
		e.mu.Unlock()
		return errs.Stopped()
	}
	e.status.Store(int32(statusStopped))
	uptime := e.clock.Now().Sub(e.startedAt)
	e.deliverInternalLocked(TopicEngineStopped, categoryEngine, value.Map{
		"serverId": value.String(e.cfg.ServerID),
		"uptimeMs": value.Number(float64(uptime.Milliseconds())),
	})
	e.mu.Unlock()

	e.loopCancel()
	e.queue.Close()

	// The grace period runs on wall time; the engine clock may be fake.
	drained := false
	select {
	case <-e.loopDone:
		drained = true
	case <-time.After(e.cfg.StopGrace):
		e.logger.Warn("dispatch loop still busy after grace period", "grace", e.cfg.StopGrace)
	case <-ctx.Done():
		e.logger.Warn("stop cancelled while waiting for dispatch loop", "error", ctx.Err())
	}

	e.timers.Stop()
	close(e.bgStop)
	e.bg.Wait()

	if e.adapter != nil {
		e.finalFlush(drained)
	}
	e.logger.Info("engine stopped", "uptime", uptime)
	return nil
}

// Drain blocks until every trigger queued before the call, and every
// consequence those triggers produce, has been dispatched. It returns
// early when ctx is done or the engine stops.
func (e *Engine) Drain(ctx context.Context) error {
	if status(e.status.Load()) != statusRunning {
		return errs.Stopped()
	}
	for {
		barrier := make(chan struct{})
		if !e.queue.EnqueueTail(trigger{kind: triggerBarrier, barrier: barrier}) {
			return errs.Stopped()
		}
		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.queue.Len() == 0 {
			return nil
		}
	}
}

// Settle drains the queue and waits out timer deliveries that are due at
// the current clock reading. Virtual-clock drivers call it after an
// Advance so expirations land before assertions run.
func (e *Engine) Settle(ctx context.Context) error {
	for {
		if err := e.Drain(ctx); err != nil {
			return err
		}
		if !e.timers.HasDue(e.clock.Now()) && e.queue.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// guardLocked rejects use of a stopped engine. Callers hold the lock.
func (e *Engine) guardLocked() error {
	if status(e.status.Load()) == statusStopped {
		return errs.Stopped()
	}
	return nil
}

// onFactChange runs synchronously inside every fact store mutation, which
// always happens under the engine lock. It mirrors the change to
// observers and queues fact trigger dispatch.
func (e *Engine) onFactChange(c facts.Change) {
	var topic string
	switch c.Kind {
	case facts.ChangeCreated:
		topic = TopicFactCreated
		e.counters.factsSet.Add(1)
		e.metrics.FactsSet.Inc()
	case facts.ChangeUpdated:
		topic = TopicFactUpdated
		e.counters.factsSet.Add(1)
		e.metrics.FactsSet.Inc()
	case facts.ChangeDeleted:
		topic = TopicFactDeleted
		e.counters.factsDeleted.Add(1)
		e.metrics.FactsDeleted.Inc()
	}

	payload := value.Map{
		"key":     value.String(c.Fact.Key),
		"value":   value.Clone(c.Fact.Value),
		"version": value.Number(float64(c.Fact.Version)),
		"source":  value.String(c.Fact.Source),
	}
	if c.HadOld {
		payload["oldValue"] = value.Clone(c.OldValue)
	}
	e.deliverInternalLocked(topic, categoryFact, payload)

	cc := c
	e.queue.EnqueueTail(trigger{
		kind:   triggerFact,
		change: &cc,
		depth:  e.dispatchDepth + 1,
	})
}

// onTimerFire runs on the scheduler goroutine, which never holds the
// engine lock, so it may block on queue backpressure.
func (e *Engine) onTimerFire(f timer.Fire) {
	ff := f
	e.queue.Enqueue(trigger{kind: triggerTimer, fire: &ff})
}

// onTemporalDeadline runs on the scheduler goroutine. The deadline is
// re-checked under the engine lock at dispatch time; a stale one is
// discarded there.
func (e *Engine) onTemporalDeadline(ruleID, partition string) {
	e.queue.Enqueue(trigger{kind: triggerDeadline, ruleID: ruleID, partition: partition})
}

// onCacheProbe observes lookup cache hits and misses. Runs on resolver
// callers' goroutines.
func (e *Engine) onCacheProbe(hit bool) {
	if hit {
		e.counters.cacheHits.Add(1)
		e.metrics.LookupCacheHits.Inc()
		return
	}
	e.counters.cacheMisses.Add(1)
	e.metrics.LookupCacheMisses.Inc()
}

// sweepLoop periodically evicts expired lookup cache entries and dead
// temporal partitions, and refreshes the sizing gauges.
func (e *Engine) sweepLoop() {
	defer e.bg.Done()
	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.bgStop:
			return
		case <-ticker.Chan():
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	evicted := e.resolver.Sweep()

	e.mu.Lock()
	dropped := e.temporal.Sweep(e.clock.Now())
	partitions := e.temporal.PartitionCount()
	e.mu.Unlock()

	e.metrics.TemporalPartitions.Set(float64(partitions))
	e.metrics.ActiveTimers.Set(float64(e.timers.Len()))
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	if evicted+dropped > 0 {
		e.logger.Debug("sweep", "cache_evicted", evicted, "partitions_dropped", dropped)
	}
}

// flushLoop periodically persists snapshots and audit buffers.
func (e *Engine) flushLoop() {
	defer e.bg.Done()
	ticker := e.clock.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.bgStop:
			return
		case <-ticker.Chan():
			if err := e.flush(); err != nil {
				e.logger.Error("flush failed", "error", err)
			}
		}
	}
}
