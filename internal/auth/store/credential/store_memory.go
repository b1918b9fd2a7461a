package credential

import (
	"context"
	"sync"

	enginerrors "kinvault/pkg/engine-errors"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, clientID string, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[clientID]; exists {
		return enginerrors.New(enginerrors.CodeConflict, "identifier already registered")
	}
	stored := make([]byte, len(record))
	copy(stored, record)
	s.records[clientID] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, clientID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[clientID]
	if !ok {
		return nil, enginerrors.New(enginerrors.CodeNotFound, "unknown identifier")
	}
	out := make([]byte, len(record))
	copy(out, record)
	return out, nil
}
