package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory verdict store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string]*Verdict
	order    []string // insertion order for List
}

// NewMemoryStore creates an in-memory verdict store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		verdicts: make(map[string]*Verdict),
	}
}

func (s *MemoryStore) Record(_ context.Context, verdict *Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.verdicts[verdict.SessionID]; !exists {
		s.order = append(s.order, verdict.SessionID)
	}
	v := *verdict
	s.verdicts[verdict.SessionID] = &v
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	verdict, ok := s.verdicts[sessionID]
	if !ok {
		return nil, nil
	}
	v := *verdict
	return &v, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Most recent first, up to limit
	start := len(s.order) - limit
	if limit <= 0 || start < 0 {
		start = 0
	}

	result := make([]*Verdict, 0, len(s.order)-start)
	for i := len(s.order) - 1; i >= start; i-- {
		v := *s.verdicts[s.order[i]]
		result = append(result, &v)
	}
	return result, nil
}
