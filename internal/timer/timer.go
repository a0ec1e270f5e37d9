// Package timer schedules named timers and one-shot deadlines on a single
// min-heap drained by one background goroutine.
package timer

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
)

// Fire describes one timer expiry. The emission template is unresolved;
// the receiver resolves it at dispatch time.
type Fire struct {
	Name       string
	FiredCount int
	Emission   rule.Emission
	At         time.Time
}

// Info is a snapshot of a live named timer.
type Info struct {
	ID         string
	Name       string
	ExpiresAt  time.Time
	FiredCount int
	Repeats    bool
}

type entry struct {
	id        string
	name      string
	expiresAt time.Time
	seq       uint64

	// Named timers carry their config; deadline entries carry fn instead.
	cfg      rule.TimerConfig
	schedule cron.Schedule
	fn       func()

	count     int
	cancelled bool
	index     int
}

// Scheduler owns the heap. The onFire callback runs on the scheduler
// goroutine and must only hand work off, never block.
type Scheduler struct {
	clock  clockwork.Clock
	onFire func(Fire)
	nextID func() string

	mu     sync.Mutex
	heap   entryHeap
	byName map[string]*entry
	seq    uint64
	firing int

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func NewScheduler(clock clockwork.Clock, onFire func(Fire)) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		onFire: onFire,
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	var n uint64
	s.nextID = func() string {
		n++
		return fmt.Sprintf("timer-%d", n)
	}
	return s
}

// SetIDGenerator overrides how timer ids are minted. Call before the first
// Set; the engine passes its event id generator here.
func (s *Scheduler) SetIDGenerator(fn func() string) {
	s.nextID = fn
}

// Start launches the background goroutine. Call once.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the goroutine and waits for it to exit. Pending timers
// are dropped.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.done
}

// Set schedules cfg, replacing any live timer with the same name.
func (s *Scheduler) Set(cfg rule.TimerConfig) error {
	e := &entry{name: cfg.Name, cfg: cfg}
	if cfg.Cron != "" {
		schedule, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return errs.Validationf("timer %q cron: %v", cfg.Name, err)
		}
		e.schedule = schedule
		e.expiresAt = schedule.Next(s.clock.Now())
	} else {
		e.expiresAt = s.clock.Now().Add(cfg.Duration)
	}

	s.mu.Lock()
	e.id = s.nextID()
	if old, ok := s.byName[cfg.Name]; ok {
		old.cancelled = true
	}
	s.byName[cfg.Name] = e
	s.pushLocked(e)
	s.mu.Unlock()

	s.poke()
	return nil
}

// Cancel removes the named timer and reports whether it was live.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	e, ok := s.byName[name]
	if ok {
		e.cancelled = true
		delete(s.byName, name)
	}
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

// After runs fn once at t on the scheduler goroutine. The returned cancel
// is idempotent and reports whether the deadline was still pending.
func (s *Scheduler) After(t time.Time, fn func()) (cancel func() bool) {
	e := &entry{expiresAt: t, fn: fn}
	s.mu.Lock()
	s.pushLocked(e)
	s.mu.Unlock()
	s.poke()

	return func() bool {
		s.mu.Lock()
		live := !e.cancelled && e.count == 0
		e.cancelled = true
		s.mu.Unlock()
		if live {
			s.poke()
		}
		return live
	}
}

// Get snapshots the named timer.
func (s *Scheduler) Get(name string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byName[name]
	if !ok {
		return Info{}, false
	}
	return infoOf(e), true
}

// Active lists live named timers sorted by name.
func (s *Scheduler) Active() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]Info, 0, len(s.byName))
	for _, e := range s.byName {
		infos = append(infos, infoOf(e))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len reports the number of live named timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byName)
}

// HasDue reports whether an expiry at or before now is still pending
// delivery, either sitting in the heap or mid-flight to its callback.
// Virtual-clock drivers use it to tell a quiet scheduler from one that
// has not caught up with an Advance yet.
func (s *Scheduler) HasDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firing > 0 {
		return true
	}
	for _, e := range s.heap {
		if !e.cancelled && !e.expiresAt.After(now) {
			return true
		}
	}
	return false
}

func infoOf(e *entry) Info {
	return Info{
		ID:         e.id,
		Name:       e.name,
		ExpiresAt:  e.expiresAt,
		FiredCount: e.count,
		Repeats:    e.cfg.Repeat != nil || e.schedule != nil,
	}
}

func (s *Scheduler) pushLocked(e *entry) {
	s.seq++
	e.seq = s.seq
	heap.Push(&s.heap, e)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) firingDone() {
	s.mu.Lock()
	s.firing--
	s.mu.Unlock()
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.heap) > 0 && s.heap[0].cancelled {
			heap.Pop(&s.heap)
		}
		var fire *Fire
		var fn func()
		var wait time.Duration
		armed := false
		if len(s.heap) > 0 {
			now := s.clock.Now()
			wait = s.heap[0].expiresAt.Sub(now)
			if wait <= 0 {
				e := heap.Pop(&s.heap).(*entry)
				fire, fn = s.advanceLocked(e, now)
				s.firing++
			} else {
				armed = true
			}
		}
		var timer clockwork.Timer
		var timerCh <-chan time.Time
		if armed {
			timer = s.clock.NewTimer(wait)
			timerCh = timer.Chan()
		}
		s.mu.Unlock()

		if fn != nil {
			fn()
			s.firingDone()
			continue
		}
		if fire != nil {
			s.onFire(*fire)
			s.firingDone()
			continue
		}

		select {
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerCh:
		}
	}
}

// advanceLocked consumes one expiry: it counts the fire, reinserts the
// entry per its repeat or cron schedule, and returns what to dispatch.
func (s *Scheduler) advanceLocked(e *entry, now time.Time) (*Fire, func()) {
	e.count++
	if e.fn != nil {
		return nil, e.fn
	}

	fire := &Fire{
		Name:       e.name,
		FiredCount: e.count,
		Emission:   e.cfg.OnExpire,
		At:         e.expiresAt,
	}

	switch {
	case e.schedule != nil:
		e.expiresAt = e.schedule.Next(now)
		s.pushLocked(e)
	case e.cfg.Repeat != nil && (e.cfg.Repeat.MaxCount == 0 || e.count < e.cfg.Repeat.MaxCount):
		e.expiresAt = now.Add(e.cfg.Repeat.Interval)
		s.pushLocked(e)
	default:
		delete(s.byName, e.name)
	}
	return fire, nil
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].expiresAt.Equal(h[j].expiresAt) {
		return h[i].expiresAt.Before(h[j].expiresAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
