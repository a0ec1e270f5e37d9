package engine

import (
	"sync"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/facts"
	"github.com/roach88/reflex/internal/temporal"
	"github.com/roach88/reflex/internal/timer"
)

// triggerKind discriminates queued trigger variants.
type triggerKind int

const (
	triggerEvent triggerKind = iota + 1
	triggerFact
	triggerTimer
	triggerTemporal
	triggerDeadline
	triggerBarrier
)

// trigger is one unit of dispatch work. Exactly one payload field is set,
// selected by kind.
type trigger struct {
	kind triggerKind

	event      *bus.Event
	change     *facts.Change
	fire       *timer.Fire
	completion *temporal.Completion

	// ruleID and partition identify an absence deadline.
	ruleID    string
	partition string

	// barrier is closed when the trigger is dispatched.
	barrier chan struct{}

	// depth counts causal re-entrancy within one external trigger.
	// External triggers enter at zero; consequences of a fire carry the
	// firing trigger's depth plus one.
	depth int
}

// triggerQueue is the engine's single FIFO. External producers block while
// the queue is at capacity; appends made by the dispatch loop itself are
// exempt so a fire can always queue its consequences without deadlocking
// the drain side.
type triggerQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	items    []trigger
	capacity int
	closed   bool
	signal   chan struct{}
}

func newTriggerQueue(capacity int) *triggerQueue {
	q := &triggerQueue{
		items:    make([]trigger, 0, 64),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends t, blocking while the queue is full. It reports false
// once the queue has been closed.
func (q *triggerQueue) Enqueue(t trigger) bool {
	q.mu.Lock()
	for !q.closed && len(q.items) >= q.capacity {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.poke()
	return true
}

// EnqueueTail appends t without the capacity bound. Reserved for appends
// made while the dispatch loop holds the engine lock, and for Drain
// barriers; blocking either of those on a full queue would wedge the loop.
func (q *triggerQueue) EnqueueTail(t trigger) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.poke()
	return true
}

// TryDequeue pops the head without blocking.
func (q *triggerQueue) TryDequeue() (trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return trigger{}, false
	}
	t := q.items[0]
	q.items[0] = trigger{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	if len(q.items) < q.capacity {
		q.notFull.Broadcast()
	}
	return t, true
}

// Wait returns the availability signal channel. A send means at least one
// trigger was appended since the last receive; the channel is closed with
// the queue.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len reports the number of queued triggers.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further enqueues and wakes every blocked producer.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.notFull.Broadcast()
	close(q.signal)
}

func (q *triggerQueue) poke() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
