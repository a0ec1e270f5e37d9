// Package facts implements the versioned in-memory fact store.
//
// The store is not safe for concurrent use on its own: the engine owns
// one instance and serializes every mutation through its dispatch loop.
// All values entering or leaving the store are deep-copied, so callers
// can never alias live state.
package facts

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/pattern"
	"github.com/roach88/reflex/internal/value"
)

// Fact is one stored key/value pair with its bookkeeping.
type Fact struct {
	Key       string      `json:"key"`
	Value     value.Value `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Version   int64       `json:"version"`

	// Source identifies the writer: "api", "rule:<id>", or "restore".
	Source string `json:"source,omitempty"`
}

// ChangeKind classifies a store mutation.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change describes one mutation, delivered to the change hook after the
// store has been updated.
type Change struct {
	Kind ChangeKind

	// Fact is the fact after the change. For deletions it is the fact
	// as it was before removal.
	Fact Fact

	// OldValue is the previous value for updates and deletions.
	OldValue value.Value
	HadOld   bool
}

// Store holds facts keyed by their colon-separated keys.
type Store struct {
	clock    clockwork.Clock
	facts    map[string]Fact
	onChange func(Change)
}

// NewStore creates an empty store using clock for fact timestamps.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock: clock,
		facts: make(map[string]Fact),
	}
}

// SetChangeHook registers fn to observe every mutation. The hook runs
// synchronously after the store is updated; the engine uses it to enqueue
// fact trigger dispatch.
func (s *Store) SetChangeHook(fn func(Change)) {
	s.onChange = fn
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) (value.Value, bool) {
	f, ok := s.facts[key]
	if !ok {
		return value.Null{}, false
	}
	return value.Clone(f.Value), true
}

// GetFact returns a copy of the full fact stored under key.
func (s *Store) GetFact(key string) (Fact, bool) {
	f, ok := s.facts[key]
	if !ok {
		return Fact{}, false
	}
	return copyFact(f), true
}

// Set writes key to v, creating the fact or bumping its version. The
// version advances even when the value is unchanged, so writers can rely
// on every Set being observable.
func (s *Store) Set(key string, v value.Value, source string) Change {
	if v == nil {
		v = value.Null{}
	}
	now := s.clock.Now()
	prev, existed := s.facts[key]

	f := Fact{
		Key:       key,
		Value:     value.Clone(v),
		Timestamp: now,
		Version:   1,
		Source:    source,
	}
	if existed {
		f.Version = prev.Version + 1
	}
	s.facts[key] = f

	change := Change{Kind: ChangeCreated, Fact: copyFact(f)}
	if existed {
		change.Kind = ChangeUpdated
		change.OldValue = value.Clone(prev.Value)
		change.HadOld = true
	}
	s.notify(change)
	return change
}

// Delete removes key. Deleting a missing key is a no-op and returns
// false.
func (s *Store) Delete(key string, source string) (Change, bool) {
	prev, ok := s.facts[key]
	if !ok {
		return Change{}, false
	}
	delete(s.facts, key)

	removed := copyFact(prev)
	removed.Source = source
	change := Change{
		Kind:     ChangeDeleted,
		Fact:     removed,
		OldValue: value.Clone(prev.Value),
		HadOld:   true,
	}
	s.notify(change)
	return change, true
}

// Query returns copies of all facts whose key matches the glob pattern,
// in no particular order.
func (s *Store) Query(p string) ([]Fact, error) {
	m, err := pattern.CompileKey(p)
	if err != nil {
		return nil, err
	}
	var out []Fact
	for key, f := range s.facts {
		if m.Matches(key) {
			out = append(out, copyFact(f))
		}
	}
	return out, nil
}

// QueryValues returns copies of the values of all facts matching the
// glob pattern.
func (s *Store) QueryValues(p string) ([]value.Value, error) {
	matched, err := s.Query(p)
	if err != nil {
		return nil, err
	}
	out := make([]value.Value, len(matched))
	for i, f := range matched {
		out[i] = f.Value
	}
	return out, nil
}

// Keys returns all fact keys in no particular order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.facts))
	for k := range s.facts {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	return len(s.facts)
}

// Snapshot returns an independent copy of the whole store, suitable for
// persistence or inspection.
func (s *Store) Snapshot() map[string]Fact {
	out := make(map[string]Fact, len(s.facts))
	for k, f := range s.facts {
		out[k] = copyFact(f)
	}
	return out
}

// Restore replaces the store's contents with the given snapshot without
// invoking the change hook. Timestamps and versions are preserved.
func (s *Store) Restore(snapshot map[string]Fact) {
	s.facts = make(map[string]Fact, len(snapshot))
	for k, f := range snapshot {
		s.facts[k] = copyFact(f)
	}
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

func copyFact(f Fact) Fact {
	f.Value = value.Clone(f.Value)
	return f
}
