package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory BlobStore used by unit tests and single
// process deployments. It favors clarity over performance.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	manifest []ManifestEntry
	clock    func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock sets the clock function for testability.
func WithClock(clock func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		blobs: make(map[string][]byte),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, opts ...PutOption) error {
	var options PutOptions
	for _, opt := range opts {
		opt(&options)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.IfMatch != nil {
		current, exists := s.blobs[key]
		switch {
		case !exists && *options.IfMatch != "":
			return ErrConflict
		case exists && ETag(current) != *options.IfMatch:
			return ErrConflict
		}
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = stored
	s.appendManifestLocked(options.DeviceID, key, OpPut)
	return nil
}

func (s *MemoryStore) Head(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return nil
	}
	delete(s.blobs, key)
	s.appendManifestLocked("", key, OpDelete)
	return nil
}

func (s *MemoryStore) Manifest(_ context.Context, since time.Time) ([]ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ManifestEntry
	for _, e := range s.manifest {
		if e.ChangedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) appendManifestLocked(deviceID, key string, op Op) {
	if deviceID == "" {
		deviceID = "local"
	}
	s.manifest = append(s.manifest, ManifestEntry{
		DeviceID:  deviceID,
		Key:       key,
		Op:        op,
		ChangedAt: s.clock(),
	})
}
