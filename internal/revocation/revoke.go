package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kinvault/internal/audit"
	"kinvault/internal/keys"
	"kinvault/internal/records"
	"kinvault/internal/sharing"
	"kinvault/internal/storage"
	enginerrors "kinvault/pkg/engine-errors"
)

// stagedPut is one pending blob write plus what is needed to undo it.
type stagedPut struct {
	key      string
	data     []byte
	existed  bool
	previous []byte
}

// Revoke removes one grantee's future access to a subject: a fresh subject
// key at version+1, every record re-encrypted under it, the new key wrapped
// for everyone still authorized, the surviving grants repointed at their
// rewrapped keys, and the revokee's grant closed. The operation is
// all-or-nothing: computation is staged in memory, writes are applied with
// undo information, and the conditional update of the subject metadata blob
// is the commit point. Any failure before commit restores the pre-call state
// and returns CodeRevocationAborted; the whole call is safe to retry.
//
// The audit entries are appended after the commit point, so the chain never
// records a rotation that was rolled back. If an append fails the rotation
// stands; the new version is returned together with the append error.
//
// The revokee keeps whatever they already decrypted. Revocation is about
// future records and future key versions, nothing stronger.
func (e *Engine) Revoke(ctx context.Context, session *keys.Session, subjectID, revokeeID string) (uint32, error) {
	unlock := e.locks.lock(subjectID)
	defer unlock()

	timer := startRevocationTimer()
	defer timer.done()

	ownerID := session.ClientID()
	meta, metaEtag, err := e.loadMeta(ctx, ownerID, subjectID)
	if err != nil {
		return 0, err
	}

	revokeeGrant, err := e.grants.Get(ctx, subjectID, revokeeID)
	if err != nil {
		return 0, err
	}
	if !revokeeGrant.Active() {
		return 0, enginerrors.New(enginerrors.CodeInvalidInput, "grant already revoked")
	}

	oldKey, err := e.ownerKey(ctx, session, subjectID)
	if err != nil {
		return 0, err
	}
	defer oldKey.Zero()

	newKey, err := sharing.NewSubjectKey(meta.CurrentVersion + 1)
	if err != nil {
		return 0, err
	}
	defer newKey.Zero()

	activeGrants, err := e.grants.ListActive(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	staged, rewraps, err := e.stageRevocation(ctx, session, meta, oldKey, newKey, revokeeID, activeGrants)
	if err != nil {
		return 0, abort(err)
	}

	applied, err := e.applyStaged(ctx, staged)
	if err != nil {
		e.rollback(ctx, applied)
		return 0, abort(err)
	}

	// Point the surviving grants at their rewrapped keys, then close the
	// revokee's grant.
	for _, grant := range activeGrants {
		if grant.GranteeID == revokeeID {
			continue
		}
		grant.Wrapped = rewraps[grant.GranteeID]
		if err := e.grants.Save(ctx, grant); err != nil {
			e.restoreGrants(ctx, activeGrants)
			e.rollback(ctx, applied)
			return 0, abort(err)
		}
	}
	if err := e.grants.Revoke(ctx, subjectID, revokeeID, e.clock().UTC()); err != nil {
		e.restoreGrants(ctx, activeGrants)
		e.rollback(ctx, applied)
		return 0, abort(err)
	}

	// Commit point. After this succeeds the rotation is visible; before, a
	// reader still resolves version N and the old blobs.
	meta.CurrentVersion = newKey.Version
	meta.UpdatedAt = e.clock().UTC()
	if err := e.putMeta(ctx, meta, metaEtag); err != nil {
		e.restoreGrants(ctx, activeGrants)
		e.rollback(ctx, applied)
		return 0, abort(err)
	}

	// The chain records the rotation only once it is real. An append failure
	// here does not undo the committed rotation.
	if _, err := e.log.Append(ctx, subjectID, audit.EventGrantRevoked, ownerID, revokeeID,
		map[string]any{"oldVersion": oldKey.Version, "newVersion": newKey.Version}); err != nil {
		return newKey.Version, err
	}
	if _, err := e.log.Append(ctx, subjectID, audit.EventSubjectKeyRotated, ownerID, "",
		map[string]any{"newVersion": newKey.Version, "records": len(meta.RecordIDs)}); err != nil {
		return newKey.Version, err
	}

	// Past the commit point: cleanup of superseded material is best-effort.
	// Leftovers are ciphertext under a retired key and unreadable garbage to
	// the revokee either way.
	for _, recordID := range meta.RecordIDs {
		_ = e.blobs.Delete(ctx, storage.RecordPath(ownerID, subjectID, recordID, oldKey.Version))
	}
	_ = e.blobs.Delete(ctx, storage.WrappedKeyPath(ownerID, subjectID, revokeeID))

	recordsReencrypted.Add(float64(len(meta.RecordIDs)))
	return newKey.Version, nil
}

func abort(cause error) error {
	if enginerrors.HasCode(cause, enginerrors.CodeRevocationAborted) {
		return cause
	}
	return enginerrors.Wrap(enginerrors.CodeRevocationAborted, "revocation rolled back", cause)
}

// stageRevocation computes every new blob without touching the store: the
// re-encrypted records and the rewrapped keys for the remaining holders. The
// returned map carries each survivor's rewrap so the grants can be repointed
// once the blobs are applied.
func (e *Engine) stageRevocation(ctx context.Context, session *keys.Session, meta SubjectMeta,
	oldKey, newKey sharing.SubjectKey, revokeeID string, activeGrants []sharing.AccessGrant,
) ([]stagedPut, map[string]sharing.WrappedSubjectKey, error) {

	ownerID := meta.OwnerID
	subjectID := meta.SubjectID
	staged := make([]stagedPut, 0, len(meta.RecordIDs)+2)
	rewraps := make(map[string]sharing.WrappedSubjectKey, len(activeGrants))

	for _, recordID := range meta.RecordIDs {
		blob, err := e.blobs.Get(ctx, storage.RecordPath(ownerID, subjectID, recordID, oldKey.Version))
		if err != nil {
			return nil, nil, fmt.Errorf("reading record %s: %w", recordID, err)
		}
		plaintext, err := records.DecryptRecord(oldKey, subjectID, recordID, blob)
		if err != nil {
			return nil, nil, fmt.Errorf("re-encrypting record %s: %w", recordID, err)
		}
		reencrypted, err := records.EncryptRecord(newKey, subjectID, recordID, plaintext)
		keys.Zeroize(plaintext)
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, stagedPut{
			key:  storage.RecordPath(ownerID, subjectID, recordID, newKey.Version),
			data: reencrypted,
		})
	}

	selfWrapped, err := sharing.WrapForSelf(newKey, session, subjectID)
	if err != nil {
		return nil, nil, err
	}
	put, err := e.stageWrappedKey(ctx, ownerID, selfWrapped)
	if err != nil {
		return nil, nil, err
	}
	staged = append(staged, put)

	identity, err := session.Identity()
	if err != nil {
		return nil, nil, err
	}
	for _, grant := range activeGrants {
		if grant.GranteeID == revokeeID {
			continue
		}
		peerPub, err := e.peerPublicKey(ctx, grant.GranteeID)
		if err != nil {
			return nil, nil, err
		}
		wrapped, err := sharing.WrapForPeer(newKey, identity, peerPub, subjectID, grant.GranteeID)
		if err != nil {
			return nil, nil, err
		}
		put, err := e.stageWrappedKey(ctx, ownerID, wrapped)
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, put)
		rewraps[grant.GranteeID] = wrapped
	}
	return staged, rewraps, nil
}

// stageWrappedKey prepares an overwrite of a holder's wrapped-key blob,
// capturing the current bytes for rollback.
func (e *Engine) stageWrappedKey(ctx context.Context, ownerID string, wrapped sharing.WrappedSubjectKey) (stagedPut, error) {
	data, err := json.Marshal(wrapped)
	if err != nil {
		return stagedPut{}, err
	}
	key := storage.WrappedKeyPath(ownerID, wrapped.SubjectID, wrapped.HolderID)
	previous, err := e.blobs.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return stagedPut{key: key, data: data}, nil
	case err != nil:
		return stagedPut{}, err
	}
	return stagedPut{key: key, data: data, existed: true, previous: previous}, nil
}

// applyStaged writes the staged blobs, returning the prefix actually applied
// so a failure can be unwound.
func (e *Engine) applyStaged(ctx context.Context, staged []stagedPut) ([]stagedPut, error) {
	applied := make([]stagedPut, 0, len(staged))
	for _, put := range staged {
		var err error
		if put.existed {
			err = e.blobs.Put(ctx, put.key, put.data)
		} else {
			err = e.blobs.Put(ctx, put.key, put.data, storage.WithIfMatch(""))
		}
		if err != nil {
			return applied, err
		}
		applied = append(applied, put)
	}
	return applied, nil
}

// rollback restores the pre-call bytes for every applied write, in reverse
// order. Best-effort by necessity; the commit point has not been reached, so
// readers never observed the new version either way.
func (e *Engine) rollback(ctx context.Context, applied []stagedPut) {
	for i := len(applied) - 1; i >= 0; i-- {
		put := applied[i]
		if put.existed {
			_ = e.blobs.Put(ctx, put.key, put.previous)
		} else {
			_ = e.blobs.Delete(ctx, put.key)
		}
	}
}

// restoreGrants puts the pre-call grant rows back after a rollback. Save
// upserts, so this undoes both the rewrap pointers and the revocation mark.
func (e *Engine) restoreGrants(ctx context.Context, grants []sharing.AccessGrant) {
	for _, grant := range grants {
		_ = e.grants.Save(ctx, grant)
	}
}
