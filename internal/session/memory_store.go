package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/proctorhq/vigil/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	cp := *session
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	out := make([]*Session, 0, limit)
	for _, sess := range all {
		if cursor != nil {
			if sess.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if sess.CreatedAt.Equal(cursor.CreatedAt) && sess.ID >= cursor.ID {
				continue
			}
		}
		out = append(out, sess)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.Status == status {
			n++
		}
	}
	return n, nil
}
