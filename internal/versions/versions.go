// Package versions records a snapshot of every rule mutation so that any
// earlier definition can be inspected or rolled back.
package versions

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/rule"
	"github.com/roach88/reflex/internal/storage"
)

// Change types recorded in version history.
const (
	ChangeRegistered = "registered"
	ChangeUpdated    = "updated"
	ChangeEnabled    = "enabled"
	ChangeDisabled   = "disabled"
	ChangeRolledBack = "rolled_back"
)

// Entry is one recorded mutation. Rule holds the full definition as it
// stood after the mutation was applied.
type Entry struct {
	Version    int64     `json:"version"`
	ChangeType string    `json:"changeType"`
	Rule       rule.Rule `json:"rule"`
	At         time.Time `json:"at"`
}

type payload struct {
	Entries []Entry `json:"entries"`
}

// Store persists version entries write-through under rule-version:{ruleId}.
// Mutation volume is rule CRUD, not event traffic, so every Record hits
// the adapter immediately.
type Store struct {
	mu       sync.Mutex
	adapter  storage.Adapter
	serverID string
	clock    clockwork.Clock
}

// NewStore creates a version store over adapter.
func NewStore(adapter storage.Adapter, serverID string, clock clockwork.Clock) *Store {
	return &Store{adapter: adapter, serverID: serverID, clock: clock}
}

func storageKey(ruleID string) string {
	return "rule-version:" + ruleID
}

// Record appends an entry for r's current state. The entry version is the
// rule's own version so history lines up with what callers observe.
func (s *Store) Record(changeType string, r rule.Rule) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p payload
	if _, err := storage.LoadJSON(s.adapter, storageKey(r.ID), &p); err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Version:    r.Version,
		ChangeType: changeType,
		Rule:       r,
		At:         s.clock.Now(),
	}
	p.Entries = append(p.Entries, entry)
	if err := storage.SaveJSON(s.adapter, storageKey(r.ID), p, s.serverID, s.clock.Now()); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// History returns all recorded entries for ruleID, oldest first.
func (s *Store) History(ruleID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p payload
	ok, err := storage.LoadJSON(s.adapter, storageKey(ruleID), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return p.Entries, nil
}

// Entry returns the recorded entry for the given rule version.
func (s *Store) Entry(ruleID string, version int64) (Entry, error) {
	entries, err := s.History(ruleID)
	if err != nil {
		return Entry{}, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Version == version {
			return entries[i], nil
		}
	}
	return Entry{}, errs.NotFoundf("rule %s has no version %d", ruleID, version)
}

// Forget drops the recorded history for ruleID.
func (s *Store) Forget(ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.adapter.Delete(storageKey(ruleID))
	return err
}
