// Package revocation implements the re-encryption engine and the owner-side
// subject lifecycle it operates on. Both live together because they share
// one discipline: every multi-blob change funnels through the subject
// metadata blob, whose conditional update is the commit point.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kinvault/internal/audit"
	"kinvault/internal/keys"
	"kinvault/internal/records"
	"kinvault/internal/sharing"
	"kinvault/internal/storage"
	enginerrors "kinvault/pkg/engine-errors"
)

// SubjectMeta is the per-subject metadata blob: current key version and the
// record index. Identifiers are client-generated pseudonyms; no plaintext
// ever appears here.
type SubjectMeta struct {
	SubjectID      string    `json:"subjectId"`
	OwnerID        string    `json:"ownerIdentifier"`
	CurrentVersion uint32    `json:"currentKeyVersion"`
	RecordIDs      []string  `json:"recordIds"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Engine ties the blob store, grant store, and audit log together. One
// engine serves one authenticated session (the audit log is session-keyed);
// sessions are still passed explicitly per call.
type Engine struct {
	blobs  storage.BlobStore
	grants sharing.GrantStore
	log    *audit.Log
	clock  func() time.Time

	locks subjectLocks
	sf    singleflight.Group
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock injects a deterministic clock for tests.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(blobs storage.BlobStore, grants sharing.GrantStore, log *audit.Log, opts ...EngineOption) *Engine {
	e := &Engine{
		blobs:  blobs,
		grants: grants,
		log:    log,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// subjectLocks serializes mutations per subject. A second concurrent revoke
// on the same subject blocks until the first finishes; entries are never
// evicted, bounded by the number of subjects a session touches.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *subjectLocks) lock(subjectID string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[subjectID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// PublishIdentity writes the session's public identity key where peers can
// find it. Idempotent; the private half never leaves the session.
func (e *Engine) PublishIdentity(ctx context.Context, session *keys.Session) error {
	identity, err := session.Identity()
	if err != nil {
		return err
	}
	return e.blobs.Put(ctx, storage.IdentityKeyPath(session.ClientID()), identity.Public[:])
}

// peerPublicKey fetches a published identity key.
func (e *Engine) peerPublicKey(ctx context.Context, clientID string) ([32]byte, error) {
	var pub [32]byte
	data, err := e.blobs.Get(ctx, storage.IdentityKeyPath(clientID))
	if errors.Is(err, storage.ErrNotFound) {
		return pub, enginerrors.Wrap(enginerrors.CodeNotFound, "peer has not published an identity key", err)
	}
	if err != nil {
		return pub, err
	}
	if len(data) != 32 {
		return pub, enginerrors.New(enginerrors.CodeInvalidInput, "malformed published identity key")
	}
	copy(pub[:], data)
	return pub, nil
}

func (e *Engine) loadMeta(ctx context.Context, ownerID, subjectID string) (SubjectMeta, string, error) {
	data, err := e.blobs.Get(ctx, storage.SubjectMetaPath(ownerID, subjectID))
	if errors.Is(err, storage.ErrNotFound) {
		return SubjectMeta{}, "", enginerrors.Wrap(enginerrors.CodeNotFound, "unknown subject", err)
	}
	if err != nil {
		return SubjectMeta{}, "", err
	}
	var meta SubjectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SubjectMeta{}, "", enginerrors.Wrap(enginerrors.CodeInvalidInput, "decoding subject metadata", err)
	}
	return meta, storage.ETag(data), nil
}

func (e *Engine) putMeta(ctx context.Context, meta SubjectMeta, ifMatch string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return e.blobs.Put(ctx, storage.SubjectMetaPath(meta.OwnerID, meta.SubjectID), data, storage.WithIfMatch(ifMatch))
}

func (e *Engine) putWrappedKey(ctx context.Context, ownerID string, wrapped sharing.WrappedSubjectKey, opts ...storage.PutOption) error {
	data, err := json.Marshal(wrapped)
	if err != nil {
		return err
	}
	return e.blobs.Put(ctx, storage.WrappedKeyPath(ownerID, wrapped.SubjectID, wrapped.HolderID), data, opts...)
}

func (e *Engine) getWrappedKey(ctx context.Context, ownerID, subjectID, holderID string) (sharing.WrappedSubjectKey, error) {
	data, err := e.blobs.Get(ctx, storage.WrappedKeyPath(ownerID, subjectID, holderID))
	if errors.Is(err, storage.ErrNotFound) {
		return sharing.WrappedSubjectKey{}, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable,
			"no wrapped key for this holder", err)
	}
	if err != nil {
		return sharing.WrappedSubjectKey{}, err
	}
	var wrapped sharing.WrappedSubjectKey
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return sharing.WrappedSubjectKey{}, enginerrors.Wrap(enginerrors.CodeInvalidInput, "decoding wrapped key", err)
	}
	return wrapped, nil
}

// ownerKey unwraps the owner's self-wrapped copy of the current subject key.
func (e *Engine) ownerKey(ctx context.Context, session *keys.Session, subjectID string) (sharing.SubjectKey, error) {
	wrapped, err := e.getWrappedKey(ctx, session.ClientID(), subjectID, session.ClientID())
	if err != nil {
		return sharing.SubjectKey{}, err
	}
	return sharing.UnwrapForSelf(wrapped, session, subjectID)
}

// CreateSubject establishes a subject: key v1 self-wrapped for the owner and
// an empty record index.
func (e *Engine) CreateSubject(ctx context.Context, session *keys.Session, subjectID string) error {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	ownerID := session.ClientID()
	key, err := sharing.NewSubjectKey(1)
	if err != nil {
		return err
	}
	defer key.Zero()

	wrapped, err := sharing.WrapForSelf(key, session, subjectID)
	if err != nil {
		return err
	}
	if err := e.putWrappedKey(ctx, ownerID, wrapped, storage.WithIfMatch("")); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return enginerrors.Wrap(enginerrors.CodeConflict, "subject already exists", err)
		}
		return err
	}

	meta := SubjectMeta{
		SubjectID:      subjectID,
		OwnerID:        ownerID,
		CurrentVersion: 1,
		UpdatedAt:      e.clock().UTC(),
	}
	if err := e.putMeta(ctx, meta, ""); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return enginerrors.Wrap(enginerrors.CodeConflict, "subject already exists", err)
		}
		return err
	}
	return nil
}

// PutRecord encrypts a payload under the subject's current key and indexes
// it. Owner-side operation.
func (e *Engine) PutRecord(ctx context.Context, session *keys.Session, subjectID, recordID string, plaintext []byte) error {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	ownerID := session.ClientID()
	meta, etag, err := e.loadMeta(ctx, ownerID, subjectID)
	if err != nil {
		return err
	}
	key, err := e.ownerKey(ctx, session, subjectID)
	if err != nil {
		return err
	}
	defer key.Zero()

	blob, err := records.EncryptRecord(key, subjectID, recordID, plaintext)
	if err != nil {
		return err
	}
	if err := e.blobs.Put(ctx, storage.RecordPath(ownerID, subjectID, recordID, key.Version), blob); err != nil {
		return err
	}

	if !containsString(meta.RecordIDs, recordID) {
		meta.RecordIDs = append(meta.RecordIDs, recordID)
		meta.UpdatedAt = e.clock().UTC()
		if err := e.putMeta(ctx, meta, etag); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return enginerrors.Wrap(enginerrors.CodeConflict, "subject changed concurrently", err)
			}
			return err
		}
	}
	return nil
}

// GetRecord fetches and decrypts one record, for the owner or any holder
// with an unwrappable key. A version mismatch between the holder's key and
// the blob surfaces as CodeKeyMaterialUnavailable; callers recover with
// EnsureCurrentKey.
func (e *Engine) GetRecord(ctx context.Context, session *keys.Session, ownerID, subjectID, recordID string) ([]byte, error) {
	meta, _, err := e.loadMeta(ctx, ownerID, subjectID)
	if err != nil {
		return nil, err
	}
	key, err := e.holderKey(ctx, session, ownerID, subjectID)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	blob, err := e.blobs.Get(ctx, storage.RecordPath(ownerID, subjectID, recordID, meta.CurrentVersion))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, enginerrors.Wrap(enginerrors.CodeNotFound, "unknown record", err)
	}
	if err != nil {
		return nil, err
	}
	return records.DecryptRecord(key, subjectID, recordID, blob)
}

// holderKey resolves the caller's wrapped copy of the subject key: self-wrap
// for the owner, peer-wrap for a grantee.
func (e *Engine) holderKey(ctx context.Context, session *keys.Session, ownerID, subjectID string) (sharing.SubjectKey, error) {
	if ownerID == session.ClientID() {
		return e.ownerKey(ctx, session, subjectID)
	}
	wrapped, err := e.getWrappedKey(ctx, ownerID, subjectID, session.ClientID())
	if err != nil {
		return sharing.SubjectKey{}, err
	}
	identity, err := session.Identity()
	if err != nil {
		return sharing.SubjectKey{}, err
	}
	ownerPub, err := e.peerPublicKey(ctx, ownerID)
	if err != nil {
		return sharing.SubjectKey{}, err
	}
	return sharing.UnwrapFromPeer(wrapped, identity, ownerPub, subjectID)
}

// Share wraps the current subject key for a grantee and records the grant.
// The grantee's published key is accepted as-is: verification is optional
// and out-of-band.
func (e *Engine) Share(ctx context.Context, session *keys.Session, subjectID, granteeID string) error {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	ownerID := session.ClientID()
	if granteeID == ownerID {
		return enginerrors.New(enginerrors.CodeInvalidInput, "cannot share a subject with its owner")
	}
	if _, _, err := e.loadMeta(ctx, ownerID, subjectID); err != nil {
		return err
	}
	key, err := e.ownerKey(ctx, session, subjectID)
	if err != nil {
		return err
	}
	defer key.Zero()

	identity, err := session.Identity()
	if err != nil {
		return err
	}
	granteePub, err := e.peerPublicKey(ctx, granteeID)
	if err != nil {
		return err
	}
	wrapped, err := sharing.WrapForPeer(key, identity, granteePub, subjectID, granteeID)
	if err != nil {
		return err
	}
	if err := e.putWrappedKey(ctx, ownerID, wrapped); err != nil {
		return err
	}

	grant := sharing.AccessGrant{
		SubjectID: subjectID,
		GranterID: ownerID,
		GranteeID: granteeID,
		Wrapped:   wrapped,
		GrantedAt: e.clock().UTC(),
	}
	if err := e.grants.Save(ctx, grant); err != nil {
		return err
	}

	_, err = e.log.Append(ctx, subjectID, audit.EventGrantCreated, ownerID, granteeID,
		map[string]any{"keyVersion": key.Version})
	return err
}

// ConfirmPeer compares an out-of-band verification code against the one
// derived from the peer's published key and records the outcome. The chain
// is keyed by the peer identifier. A mismatch revokes nothing; the user
// decides what to do with a peer whose key does not check out.
func (e *Engine) ConfirmPeer(ctx context.Context, session *keys.Session, peerID, code string) error {
	identity, err := session.Identity()
	if err != nil {
		return err
	}
	peerPub, err := e.peerPublicKey(ctx, peerID)
	if err != nil {
		return err
	}

	confirmErr := sharing.ConfirmVerificationCode(identity, peerPub, code)
	event := audit.EventIdentityVerified
	if confirmErr != nil {
		if !enginerrors.HasCode(confirmErr, enginerrors.CodeVerificationMismatch) {
			return confirmErr
		}
		event = audit.EventVerificationMismatch
	}
	if _, err := e.log.Append(ctx, peerID, event, session.ClientID(), peerID, nil); err != nil {
		return err
	}
	return confirmErr
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
