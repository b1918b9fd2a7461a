package bundle

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, clientID string, bundle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(bundle))
	copy(stored, bundle)
	s.bundles[clientID] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bundle, ok := s.bundles[clientID]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(bundle))
	copy(out, bundle)
	return out, nil
}
