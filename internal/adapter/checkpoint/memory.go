package checkpoint

import (
	"context"
	"sync"

	"catalog-agent/internal/domain"
)

// MemoryStore keeps checkpoints in process memory. Saved and loaded states
// are deep copies, so callers never share slices with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*domain.State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*domain.State)}
}

func (m *MemoryStore) Load(ctx context.Context, threadID string) (*domain.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	s, ok := m.states[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound("MemoryStore.Load", threadID)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *domain.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return domain.NewDomainError("MemoryStore.Save", domain.ErrInvalidInput, "nil state")
	}
	if err := domain.ValidateThreadID(s.ThreadID); err != nil {
		return err
	}
	cp := s.Clone()
	m.mu.Lock()
	m.states[s.ThreadID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, threadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.states, threadID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored threads.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
