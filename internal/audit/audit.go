// Package audit records engine lifecycle events into day and category
// buckets on the storage adapter.
//
// Entries buffer in memory and flush on an interval and on engine stop,
// so audit writes never sit on the dispatch path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/bus"
	"github.com/roach88/reflex/internal/storage"
	"github.com/roach88/reflex/internal/value"
)

// Entry is one audit record.
type Entry struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	EventID  string    `json:"eventId,omitempty"`
	Data     value.Map `json:"data,omitempty"`
}

type payload struct {
	Entries []Entry `json:"entries"`
}

type bucket struct {
	category string
	day      string
}

func (b bucket) key() string {
	return "audit:" + b.category + ":" + b.day
}

// Log buffers audit entries and persists them bucketed by category and
// UTC day under audit:{category}:{YYYY-MM-DD}.
type Log struct {
	mu       sync.Mutex
	adapter  storage.Adapter
	serverID string
	clock    clockwork.Clock
	pending  map[bucket][]Entry
}

// NewLog creates an audit log over adapter.
func NewLog(adapter storage.Adapter, serverID string, clock clockwork.Clock) *Log {
	return &Log{
		adapter:  adapter,
		serverID: serverID,
		clock:    clock,
		pending:  make(map[bucket][]Entry),
	}
}

func entryBucket(e Entry) bucket {
	return bucket{category: e.Category, day: e.At.UTC().Format("2006-01-02")}
}

// Record buffers an entry. It never blocks on storage.
func (l *Log) Record(e Entry) {
	if e.At.IsZero() {
		e.At = l.clock.Now()
	}
	if e.Category == "" {
		e.Category = "engine"
	}
	b := entryBucket(e)

	l.mu.Lock()
	l.pending[b] = append(l.pending[b], e)
	l.mu.Unlock()
}

// Handler adapts the log into a bus subscriber. The category rides in the
// event payload; entries keep the full payload for later inspection.
func (l *Log) Handler() bus.Handler {
	return func(_ context.Context, ev bus.Event) error {
		category := ""
		if c, ok := ev.Data["category"].(value.String); ok {
			category = string(c)
		}
		l.Record(Entry{
			At:       ev.Timestamp,
			Type:     ev.Topic,
			Category: category,
			EventID:  ev.ID,
			Data:     ev.Data,
		})
		return nil
	}
}

// Pending reports the number of buffered entries not yet flushed.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entries := range l.pending {
		n += len(entries)
	}
	return n
}

// Flush appends every buffered bucket to its stored payload. Buckets that
// fail to save keep their entries for the next flush.
func (l *Log) Flush() error {
	l.mu.Lock()
	pending := l.pending
	l.pending = make(map[bucket][]Entry)
	l.mu.Unlock()

	var firstErr error
	for b, entries := range pending {
		if err := l.flushBucket(b, entries); err != nil {
			l.mu.Lock()
			l.pending[b] = append(entries, l.pending[b]...)
			l.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Log) flushBucket(b bucket, entries []Entry) error {
	var p payload
	if _, err := storage.LoadJSON(l.adapter, b.key(), &p); err != nil {
		return err
	}
	p.Entries = append(p.Entries, entries...)
	return storage.SaveJSON(l.adapter, b.key(), p, l.serverID, l.clock.Now())
}

// Query returns the entries for a category on a given day, flushed and
// buffered alike, oldest first.
func (l *Log) Query(category string, day time.Time) ([]Entry, error) {
	b := bucket{category: category, day: day.UTC().Format("2006-01-02")}

	var p payload
	if _, err := storage.LoadJSON(l.adapter, b.key(), &p); err != nil {
		return nil, err
	}
	out := p.Entries

	l.mu.Lock()
	out = append(out, l.pending[b]...)
	l.mu.Unlock()
	return out, nil
}

// Days lists the stored days for a category, ascending.
func (l *Log) Days(category string) ([]string, error) {
	keys, err := l.adapter.ListKeys("audit:" + category + ":")
	if err != nil {
		return nil, err
	}
	days := make([]string, 0, len(keys))
	for _, k := range keys {
		days = append(days, k[len("audit:"+category+":"):])
	}
	return days, nil
}
