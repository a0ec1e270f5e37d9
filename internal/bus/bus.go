// Package bus implements event construction and fan-out to subscribers.
//
// The bus is a registry plus a serial deliverer. It does not queue:
// ordering between events is the dispatch loop's job, the bus only
// guarantees that within one delivery every matching handler runs
// serially in subscription order and that a failing handler never stops
// the others.
package bus

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/value"
)

// Event is one emitted event.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Data      value.Map `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Source identifies the emitter: "api", "rule:<id>", "timer", or
	// "engine" for internal events.
	Source string `json:"source,omitempty"`

	// CorrelationID groups all events of one causal chain; the root
	// event's id when absent from the emitting context.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID is the id of the event whose handling emitted this
	// one.
	CausationID string `json:"causationId,omitempty"`
}

// Handler observes delivered events. Returning an error is recorded via
// the bus error callback but never aborts delivery to later handlers.
type Handler func(ctx context.Context, ev Event) error

// Subscription pairs a compiled topic pattern with a handler.
type subscription struct {
	id      int
	matcher *pattern.Matcher
	handler Handler
}

// Bus constructs events and fans them out to subscribers.
type Bus struct {
	clock  clockwork.Clock
	nextID func() string

	subs  []subscription
	seq   int
	onErr func(err error, ev Event)
}

// New creates a bus. nextID supplies event ids; the engine passes its
// id generator so tests can pin ids.
func New(clock clockwork.Clock, nextID func() string) *Bus {
	return &Bus{clock: clock, nextID: nextID}
}

// SetErrorHook registers fn to observe handler errors. Without a hook,
// handler errors are dropped after delivery continues.
func (b *Bus) SetErrorHook(fn func(err error, ev Event)) {
	b.onErr = fn
}

// Subscribe registers h for every event whose topic matches the glob
// pattern. It returns an unsubscribe function. Handlers registered first
// are delivered first.
func (b *Bus) Subscribe(topicPattern string, h Handler) (func(), error) {
	m, err := pattern.CompileTopic(topicPattern)
	if err != nil {
		return nil, err
	}
	b.seq++
	id := b.seq
	b.subs = append(b.subs, subscription{id: id, matcher: m, handler: h})
	return func() {
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	return len(b.subs)
}

// Meta carries the optional identity fields of a new event.
type Meta struct {
	Source        string
	CorrelationID string
	CausationID   string
}

// NewEvent builds an event with a fresh id and the current clock time.
// Data is deep-copied so later mutation by the caller cannot leak into
// delivered events. An event with no correlation id starts a new chain
// correlated to itself.
func (b *Bus) NewEvent(topic string, data value.Map, meta Meta) Event {
	ev := Event{
		ID:            b.nextID(),
		Topic:         topic,
		Timestamp:     b.clock.Now(),
		Source:        meta.Source,
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
	}
	if data != nil {
		ev.Data = value.Clone(data).(value.Map)
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ev.ID
	}
	return ev
}

// Deliver fans ev out to every matching subscriber, serially, in
// subscription order. A handler error is reported to the error hook and
// delivery continues.
func (b *Bus) Deliver(ctx context.Context, ev Event) {
	// Snapshot so handlers that subscribe or unsubscribe during
	// delivery take effect from the next event on.
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)

	for _, sub := range subs {
		if !sub.matcher.Matches(ev.Topic) {
			continue
		}
		if err := sub.handler(ctx, ev); err != nil && b.onErr != nil {
			b.onErr(err, ev)
		}
	}
}
