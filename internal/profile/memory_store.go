package profile

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/keyshield/internal/factors"
)

// MemoryStore is an in-memory profile store for tests and demo mode.
type MemoryStore struct {
	mu            sync.RWMutex
	entities      map[factors.EntityAddress]*Entity
	factorSources map[factors.FactorSourceID]factors.FactorSource
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:      make(map[factors.EntityAddress]*Entity),
		factorSources: make(map[factors.FactorSourceID]factors.FactorSource),
	}
}

func (m *MemoryStore) GetEntity(_ context.Context, addr factors.EntityAddress) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[addr]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) CreateEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[e.Address]; ok {
		return ErrEntityExists
	}
	m.entities[e.Address] = e.Clone()
	return nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[e.Address]; !ok {
		return ErrEntityNotFound
	}
	m.entities[e.Address] = e.Clone()
	return nil
}

func (m *MemoryStore) ListEntities(_ context.Context) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func (m *MemoryStore) AddFactorSource(_ context.Context, fs factors.FactorSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.factorSources[fs.ID]; ok {
		return ErrFactorSourceExists
	}
	m.factorSources[fs.ID] = fs
	return nil
}

func (m *MemoryStore) GetFactorSource(_ context.Context, id factors.FactorSourceID) (factors.FactorSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fs, ok := m.factorSources[id]
	if !ok {
		return factors.FactorSource{}, ErrFactorSourceNotFound
	}
	return fs, nil
}

func (m *MemoryStore) ListFactorSources(_ context.Context) ([]factors.FactorSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]factors.FactorSource, 0, len(m.factorSources))
	for _, fs := range m.factorSources {
		result = append(result, fs)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.Compare(result[j].ID) < 0 })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
