package engine

import (
	"sync"
	"time"
)

// Trace stages.
const (
	StageTrigger = "trigger"
	StageFired   = "fired"
	StageSkipped = "skipped"
	StageFailed  = "failed"
)

// TraceEntry is one recorded dispatch step.
type TraceEntry struct {
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Trigger string    `json:"trigger,omitempty"`
	RuleID  string    `json:"ruleId,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Trace is the ring-buffered trace collector. Disabled collectors drop
// entries without recording. Safe for concurrent use; the engine writes
// from its dispatch loop while readers snapshot from anywhere.
type Trace struct {
	mu       sync.Mutex
	enabled  bool
	capacity int
	buf      []TraceEntry
	head     int
	size     int
	seq      uint64
}

func newTrace(capacity int) *Trace {
	return &Trace{capacity: capacity}
}

// Enable starts recording. Already-collected entries are kept.
func (t *Trace) Enable() {
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
}

// Disable stops recording without clearing collected entries.
func (t *Trace) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
}

// Enabled reports whether entries are being recorded.
func (t *Trace) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Capacity returns the ring size.
func (t *Trace) Capacity() int {
	return t.capacity
}

// Entries returns the collected entries, oldest first.
func (t *Trace) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, 0, t.size)
	for i := 0; i < t.size; i++ {
		out = append(out, t.buf[(t.head+i)%t.capacity])
	}
	return out
}

// Len reports the number of collected entries.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Clear drops all collected entries. The sequence counter keeps running.
func (t *Trace) Clear() {
	t.mu.Lock()
	t.buf = nil
	t.head = 0
	t.size = 0
	t.mu.Unlock()
}

// add records e when tracing is enabled, evicting the oldest entry on
// overflow.
func (t *Trace) add(e TraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.seq++
	e.Seq = t.seq
	if t.buf == nil {
		t.buf = make([]TraceEntry, t.capacity)
	}
	if t.size < t.capacity {
		t.buf[(t.head+t.size)%t.capacity] = e
		t.size++
		return
	}
	t.buf[t.head] = e
	t.head = (t.head + 1) % t.capacity
}
