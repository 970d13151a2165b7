package sourcestore

import (
	"context"
	"sync"

	"github.com/c360/labctrl/errors"
)

// MemoryStore keeps the catalog in process memory
type MemoryStore struct {
	notifier
	mu      sync.RWMutex
	entries map[string]Entry
	names   map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		names:   make(map[string]string),
	}
}

// List implements Store
func (m *MemoryStore) List(context.Context) ([]Entry, error) {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, errors.ErrKeyNotFound
	}
	return e, nil
}

// Create implements Store
func (m *MemoryStore) Create(_ context.Context, e Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.entries[e.ID]; ok {
		m.mu.Unlock()
		return errors.ErrSourceExists
	}
	if _, ok := m.names[e.Name]; ok {
		m.mu.Unlock()
		return errors.ErrSourceExists
	}
	m.entries[e.ID] = e
	m.names[e.Name] = e.ID
	m.mu.Unlock()
	m.notify()
	return nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return errors.ErrKeyNotFound
	}
	delete(m.entries, id)
	delete(m.names, e.Name)
	m.mu.Unlock()
	m.notify()
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
