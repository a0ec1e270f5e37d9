package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the in-memory reference adapter. It is the default for tests
// and for engines that only want restart-free operation.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]Envelope
	closed bool
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]Envelope)}
}

func (m *Memory) Save(key string, env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed()
	}
	// Copy the raw state so callers reusing buffers cannot mutate stored
	// payloads.
	stored := env
	stored.State = append([]byte(nil), env.State...)
	m.data[key] = stored
	return nil
}

func (m *Memory) Load(key string) (Envelope, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Envelope{}, false, errClosed()
	}
	env, ok := m.data[key]
	if !ok {
		return Envelope{}, false, nil
	}
	out := env
	out.State = append([]byte(nil), env.State...)
	return out, true, nil
}

func (m *Memory) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errClosed()
	}
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *Memory) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, errClosed()
	}
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) ListKeys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed()
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports how many keys are stored. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
