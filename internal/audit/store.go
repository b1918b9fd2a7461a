package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"kinvault/internal/storage"
	enginerrors "kinvault/pkg/engine-errors"
)

// EntryStore persists chains. Append must reject concurrent writers racing
// for the same chain position; a lost race is retryable by re-reading the
// head.
type EntryStore interface {
	Append(ctx context.Context, entry Entry) error
	Last(ctx context.Context, subjectID string) (Entry, bool, error)
	List(ctx context.Context, subjectID string) ([]Entry, error)
}

// MemoryEntryStore keeps chains in memory.
type MemoryEntryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{chains: make(map[string][]Entry)}
}

func (s *MemoryEntryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[entry.SubjectID] = append(s.chains[entry.SubjectID], entry)
	return nil
}

func (s *MemoryEntryStore) Last(_ context.Context, subjectID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return Entry{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

func (s *MemoryEntryStore) List(_ context.Context, subjectID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out, nil
}

// Tamper mutates a stored entry in place. Test hook for verification
// scenarios; the blob-backed store has no equivalent on purpose.
func (s *MemoryEntryStore) Tamper(subjectID string, index int, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.chains[subjectID][index])
}

// Remove deletes a stored entry. Test hook, as above.
func (s *MemoryEntryStore) Remove(subjectID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[subjectID]
	s.chains[subjectID] = append(chain[:index:index], chain[index+1:]...)
}

// chainHead is the per-subject head blob: how many entries exist. Advanced
// with an ifMatch condition so two appenders cannot both claim a position.
type chainHead struct {
	Count uint64 `json:"count"`
}

// BlobEntryStore persists chains through the blob storage contract: one blob
// per entry, keyed by chain position, plus a conditional head blob.
type BlobEntryStore struct {
	blobs storage.BlobStore
}

func NewBlobEntryStore(blobs storage.BlobStore) *BlobEntryStore {
	return &BlobEntryStore{blobs: blobs}
}

func (s *BlobEntryStore) head(ctx context.Context, subjectID string) (chainHead, string, error) {
	data, err := s.blobs.Get(ctx, storage.AuditHeadPath(subjectID))
	if errors.Is(err, storage.ErrNotFound) {
		return chainHead{}, "", nil
	}
	if err != nil {
		return chainHead{}, "", err
	}
	var h chainHead
	if err := json.Unmarshal(data, &h); err != nil {
		return chainHead{}, "", enginerrors.Wrap(enginerrors.CodeTamperEvidence, "decoding audit chain head", err)
	}
	return h, storage.ETag(data), nil
}

func (s *BlobEntryStore) Append(ctx context.Context, entry Entry) error {
	h, etag, err := s.head(ctx, entry.SubjectID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return enginerrors.Wrap(enginerrors.CodeInvalidInput, "encoding audit entry", err)
	}
	entryPath := storage.AuditEntryPath(entry.SubjectID, h.Count)
	if err := s.blobs.Put(ctx, entryPath, data, storage.WithIfMatch("")); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return enginerrors.Wrap(enginerrors.CodeConflict, "concurrent audit append", err)
		}
		return err
	}

	newHead, err := json.Marshal(chainHead{Count: h.Count + 1})
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, storage.AuditHeadPath(entry.SubjectID), newHead, storage.WithIfMatch(etag)); err != nil {
		// Lost the head race: withdraw the entry so the chain has no
		// orphan position, then report the conflict.
		_ = s.blobs.Delete(ctx, entryPath)
		if errors.Is(err, storage.ErrConflict) {
			return enginerrors.Wrap(enginerrors.CodeConflict, "concurrent audit append", err)
		}
		return err
	}
	return nil
}

func (s *BlobEntryStore) Last(ctx context.Context, subjectID string) (Entry, bool, error) {
	h, _, err := s.head(ctx, subjectID)
	if err != nil {
		return Entry{}, false, err
	}
	if h.Count == 0 {
		return Entry{}, false, nil
	}
	entry, err := s.get(ctx, subjectID, h.Count-1)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *BlobEntryStore) List(ctx context.Context, subjectID string) ([]Entry, error) {
	h, _, err := s.head(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, h.Count)
	for seq := uint64(0); seq < h.Count; seq++ {
		entry, err := s.get(ctx, subjectID, seq)
		if errors.Is(err, storage.ErrNotFound) {
			// A missing position is itself tamper evidence; surface it as a
			// hole rather than silently shortening the chain.
			return nil, enginerrors.Wrap(enginerrors.CodeTamperEvidence, "audit chain has a missing entry", err)
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *BlobEntryStore) get(ctx context.Context, subjectID string, seq uint64) (Entry, error) {
	data, err := s.blobs.Get(ctx, storage.AuditEntryPath(subjectID, seq))
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, enginerrors.Wrap(enginerrors.CodeTamperEvidence, "decoding audit entry", err)
	}
	return entry, nil
}
