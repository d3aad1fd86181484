package presence

import (
	"context"
	"sync"
)

// MemoryStore — in-memory реализация Store для -dev без Redis и для тестов.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Presence)}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Set(ctx context.Context, p Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p.UserID] = p
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[userID]
	if !ok {
		return Presence{UserID: userID, Status: StatusOffline}, nil
	}
	return p, nil
}

func (s *MemoryStore) GetMany(ctx context.Context, userIDs []string) (map[string]Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Presence, len(userIDs))
	for _, uid := range userIDs {
		p, ok := s.data[uid]
		if !ok {
			p = Presence{UserID: uid, Status: StatusOffline}
		}
		out[uid] = p
	}
	return out, nil
}
