package shield

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNameTaken is returned when another shield already uses the name.
var ErrNameTaken = errors.New("shield: name already exists")

// MemoryStore is an in-memory shield store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	shields map[string]*SecurityShield // by ID
}

// NewMemoryStore creates a new in-memory shield store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shields: make(map[string]*SecurityShield),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *SecurityShield) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.shields {
		if existing.Name == s.Name {
			return ErrNameTaken
		}
	}
	m.shields[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SecurityShield, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.shields[id]
	if !ok {
		return nil, ErrShieldNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*SecurityShield, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*SecurityShield, 0, len(m.shields))
	for _, s := range m.shields {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, s *SecurityShield) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shields[s.ID]; !ok {
		return ErrShieldNotFound
	}
	for id, existing := range m.shields {
		if id != s.ID && existing.Name == s.Name {
			return ErrNameTaken
		}
	}
	m.shields[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shields[id]; !ok {
		return ErrShieldNotFound
	}
	delete(m.shields, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
