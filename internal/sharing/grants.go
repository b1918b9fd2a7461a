package sharing

import (
	"context"
	"sort"
	"sync"
	"time"

	enginerrors "kinvault/pkg/engine-errors"
)

// AccessGrant records that a granter shared a subject with a grantee, and
// carries the current wrapped key for that grantee. A wrapped key never
// outlives its grant: revocation rewraps the superseding key only for
// holders whose grants remain active.
type AccessGrant struct {
	SubjectID string            `json:"subjectId"`
	GranterID string            `json:"granterIdentifier"`
	GranteeID string            `json:"granteeIdentifier"`
	Wrapped   WrappedSubjectKey `json:"wrappedKey"`
	GrantedAt time.Time         `json:"grantedAt"`
	RevokedAt *time.Time        `json:"revokedAt,omitempty"`
}

// Active reports whether the grant still authorizes access.
func (g AccessGrant) Active() bool { return g.RevokedAt == nil }

// GrantStore persists access grants. Save upserts by (subject, grantee); the
// revocation engine uses that to restore pre-revocation state on rollback.
type GrantStore interface {
	Save(ctx context.Context, grant AccessGrant) error
	Get(ctx context.Context, subjectID, granteeID string) (AccessGrant, error)
	ListActive(ctx context.Context, subjectID string) ([]AccessGrant, error)
	ListAll(ctx context.Context, subjectID string) ([]AccessGrant, error)
	Revoke(ctx context.Context, subjectID, granteeID string, revokedAt time.Time) error
}

type grantKey struct {
	subjectID string
	granteeID string
}

// MemoryGrantStore is the in-memory GrantStore used by a single-device
// deployment and by tests.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[grantKey]AccessGrant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[grantKey]AccessGrant)}
}

func (s *MemoryGrantStore) Save(_ context.Context, grant AccessGrant) error {
	if grant.SubjectID == "" || grant.GranteeID == "" {
		return enginerrors.New(enginerrors.CodeInvalidInput, "grant missing subject or grantee")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey{grant.SubjectID, grant.GranteeID}] = grant
	return nil
}

func (s *MemoryGrantStore) Get(_ context.Context, subjectID, granteeID string) (AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grant, ok := s.grants[grantKey{subjectID, granteeID}]
	if !ok {
		return AccessGrant{}, enginerrors.New(enginerrors.CodeNotFound, "grant not found")
	}
	return grant, nil
}

func (s *MemoryGrantStore) ListActive(ctx context.Context, subjectID string) ([]AccessGrant, error) {
	all, err := s.ListAll(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, g := range all {
		if g.Active() {
			active = append(active, g)
		}
	}
	return active, nil
}

func (s *MemoryGrantStore) ListAll(_ context.Context, subjectID string) ([]AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AccessGrant
	for key, g := range s.grants {
		if key.subjectID == subjectID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeID < out[j].GranteeID })
	return out, nil
}

func (s *MemoryGrantStore) Revoke(_ context.Context, subjectID, granteeID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey{subjectID, granteeID}
	grant, ok := s.grants[key]
	if !ok {
		return enginerrors.New(enginerrors.CodeNotFound, "grant not found")
	}
	grant.RevokedAt = &revokedAt
	s.grants[key] = grant
	return nil
}
