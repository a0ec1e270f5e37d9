// Package storage defines the persistence contract the engine writes
// through and two reference adapters: an in-memory map and an embedded
// SQLite store.
//
// The engine treats adapters as idempotent, eventually-durable key/value
// stores. Ordering across keys is never required; every payload is wrapped
// in an Envelope so restores can check schema compatibility.
package storage

import (
	"encoding/json"
	"time"

	"github.com/roach88/reflex/internal/errs"
)

// SchemaVersion stamps persisted envelopes. Bump when a payload's shape
// changes incompatibly.
const SchemaVersion = 1

// Metadata describes one persisted envelope.
type Metadata struct {
	PersistedAt   time.Time `json:"persistedAt"`
	ServerID      string    `json:"serverId,omitempty"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Envelope wraps a persisted state blob with its metadata.
type Envelope struct {
	State    json.RawMessage `json:"state"`
	Metadata Metadata        `json:"metadata"`
}

// Adapter is the narrow persistence interface the engine consumes.
// Implementations must be safe for concurrent use; the engine calls them
// from flush goroutines as well as from Stop.
type Adapter interface {
	// Save stores the envelope under key, replacing any existing value.
	Save(key string, env Envelope) error

	// Load returns the envelope stored under key. The second return is
	// false when the key does not exist.
	Load(key string) (Envelope, bool, error)

	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)

	// Exists reports whether key is present.
	Exists(key string) (bool, error)

	// ListKeys returns all keys with the given prefix, sorted. An empty
	// prefix lists everything.
	ListKeys(prefix string) ([]string, error)

	// Close releases adapter resources. Save/Load after Close fail.
	Close() error
}

// SaveJSON marshals state, wraps it in an envelope stamped with now, and
// saves it under key.
func SaveJSON(a Adapter, key string, state any, serverID string, now time.Time) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errs.Wrapf(errs.KindStorage, err, "marshal %s", key)
	}
	env := Envelope{
		State: raw,
		Metadata: Metadata{
			PersistedAt:   now,
			ServerID:      serverID,
			SchemaVersion: SchemaVersion,
		},
	}
	return a.Save(key, env)
}

// LoadJSON loads the envelope under key and unmarshals its state into out.
// The first return is false when the key does not exist.
func LoadJSON(a Adapter, key string, out any) (bool, error) {
	env, ok, err := a.Load(key)
	if err != nil || !ok {
		return ok, err
	}
	if env.Metadata.SchemaVersion > SchemaVersion {
		return false, errs.Newf(errs.KindStorage,
			"%s was written by schema v%d, this build reads up to v%d",
			key, env.Metadata.SchemaVersion, SchemaVersion)
	}
	if err := json.Unmarshal(env.State, out); err != nil {
		return false, errs.Wrapf(errs.KindStorage, err, "unmarshal %s", key)
	}
	return true, nil
}

func errClosed() error {
	return errs.New(errs.KindStorage, "adapter is closed")
}
