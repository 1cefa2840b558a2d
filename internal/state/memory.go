package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/page-colorizer/internal/models"
)

// MemoryStore keeps states in a process-local map. Values are cloned on the
// way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*models.ProcessingState
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]*models.ProcessingState),
		now:    time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, documentID string) (*models.ProcessingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *models.ProcessingState) error {
	if err := validateForWrite(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := s.Clone()
	if prev, ok := m.states[c.DocumentID]; ok && c.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	stamp(c, m.now())
	m.states[c.DocumentID] = c
	s.CreatedAt, s.UpdatedAt = c.CreatedAt, c.UpdatedAt
	return nil
}

func (m *MemoryStore) Update(_ context.Context, documentID string, fn UpdateFunc) (*models.ProcessingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[documentID]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := applyUpdate(next, documentID, fn); err != nil {
		return nil, err
	}
	stamp(next, m.now())
	m.states[documentID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, documentID)
	return nil
}

// List returns every state, newest first.
func (m *MemoryStore) List(_ context.Context) ([]*models.ProcessingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ProcessingState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortNewestFirst(states []*models.ProcessingState) {
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].UpdatedAt.Equal(states[j].UpdatedAt) {
			return states[i].DocumentID < states[j].DocumentID
		}
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
}
