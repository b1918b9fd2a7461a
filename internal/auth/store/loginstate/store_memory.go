package loginstate

import (
	"context"
	"sync"
	"time"

	enginerrors "kinvault/pkg/engine-errors"
)

type entry struct {
	state     []byte
	expiresAt time.Time
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{entries: make(map[string]entry), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, clientID string, state []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(state))
	copy(stored, state)
	s.entries[clientID] = entry{state: stored, expiresAt: s.clock().Add(ttl)}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, clientID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[clientID]
	if !ok {
		return nil, enginerrors.New(enginerrors.CodeNotFound, "no pending login")
	}
	delete(s.entries, clientID)
	if !s.clock().Before(e.expiresAt) {
		return nil, enginerrors.New(enginerrors.CodeNotFound, "no pending login")
	}
	return e.state, nil
}
