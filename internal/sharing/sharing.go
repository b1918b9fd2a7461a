// Package sharing implements the key-wrapping engine: per-subject data keys,
// their transfer between two identities over server-observed channels, and
// the optional out-of-band verification that backs the trust-on-first-use
// model.
package sharing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"kinvault/internal/keys"
	enginerrors "kinvault/pkg/engine-errors"
)

// SubjectKeySize is the size of every per-subject data-encryption key.
const SubjectKeySize = 32

// SubjectKey encrypts all records of one shared subject. A revocation
// supersedes it with a fresh key at Version+1; key bytes are never mutated.
type SubjectKey struct {
	Bytes   []byte
	Version uint32
}

// NewSubjectKey generates a random subject key at the given version.
func NewSubjectKey(version uint32) (SubjectKey, error) {
	if version == 0 {
		return SubjectKey{}, enginerrors.New(enginerrors.CodeInvalidInput, "subject key versions start at 1")
	}
	b := make([]byte, SubjectKeySize)
	if _, err := rand.Read(b); err != nil {
		return SubjectKey{}, enginerrors.Wrap(enginerrors.CodeInvalidInput, "subject key entropy", err)
	}
	return SubjectKey{Bytes: b, Version: version}, nil
}

// Zero wipes the key bytes.
func (k SubjectKey) Zero() { keys.Zeroize(k.Bytes) }

// WrapMode records which wrapping key protects a blob.
type WrapMode string

const (
	// WrapModeSelf: wrapped under the owner's primary-key hierarchy.
	WrapModeSelf WrapMode = "self"
	// WrapModePeer: wrapped under an ECDH-derived relationship key.
	WrapModePeer WrapMode = "peer"
)

// WrappedSubjectKey is a subject key ciphertext plus the metadata needed to
// locate and unwrap it. Safe to store on an untrusted backend.
type WrappedSubjectKey struct {
	SubjectID string   `json:"subjectId"`
	Version   uint32   `json:"subjectKeyVersion"`
	HolderID  string   `json:"holderIdentifier"`
	Mode      WrapMode `json:"mode"`
	Blob      []byte   `json:"blob"`
}

// wrapInfo binds a wrapping key to exactly one subject and key version, so a
// key wrapped for (subject, v1) can never unwrap material for any other
// subject or version.
func wrapInfo(subjectID string, version uint32) string {
	return fmt.Sprintf("%s|%s|%d", keys.ContextSubjectWrap, subjectID, version)
}

func wrapAAD(subjectID string, version uint32, holderID string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", subjectID, version, holderID))
}

// WrapForPeer wraps a subject key for a second identity: X25519 between the
// two identity pairs, HKDF bound to subject and version, then authenticated
// key wrap. Peer public keys are accepted on first use without verification;
// see VerificationCode.
func WrapForPeer(subjectKey SubjectKey, own *keys.IdentityKeyPair, peerPub [32]byte, subjectID, holderID string) (WrappedSubjectKey, error) {
	if len(subjectKey.Bytes) != SubjectKeySize {
		return WrappedSubjectKey{}, enginerrors.New(enginerrors.CodeInvalidInput, "malformed subject key")
	}
	shared, err := own.SharedSecret(peerPub)
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	defer keys.Zeroize(shared)

	kw, err := keys.DeriveKey(shared, wrapInfo(subjectID, subjectKey.Version), 32)
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	defer keys.Zeroize(kw)

	blob, err := keys.SealBytes(kw, subjectKey.Bytes, wrapAAD(subjectID, subjectKey.Version, holderID))
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	return WrappedSubjectKey{
		SubjectID: subjectID,
		Version:   subjectKey.Version,
		HolderID:  holderID,
		Mode:      WrapModePeer,
		Blob:      blob,
	}, nil
}

// UnwrapFromPeer reverses WrapForPeer on the receiving side. A tag mismatch
// (wrong peer key, wrong subject, tampered blob) is CodeDecryptionFailed and
// must not be retried with another key.
func UnwrapFromPeer(wrapped WrappedSubjectKey, own *keys.IdentityKeyPair, peerPub [32]byte, subjectID string) (SubjectKey, error) {
	if wrapped.SubjectID != subjectID {
		return SubjectKey{}, enginerrors.New(enginerrors.CodeInvalidInput, "wrapped key belongs to a different subject")
	}
	shared, err := own.SharedSecret(peerPub)
	if err != nil {
		return SubjectKey{}, err
	}
	defer keys.Zeroize(shared)

	kw, err := keys.DeriveKey(shared, wrapInfo(subjectID, wrapped.Version), 32)
	if err != nil {
		return SubjectKey{}, err
	}
	defer keys.Zeroize(kw)

	raw, err := keys.OpenBytes(kw, wrapped.Blob, wrapAAD(subjectID, wrapped.Version, wrapped.HolderID))
	if err != nil {
		return SubjectKey{}, err
	}
	return SubjectKey{Bytes: raw, Version: wrapped.Version}, nil
}

// WrapForSelf wraps the owner's local copy under the primary-key hierarchy
// instead of a relationship key.
func WrapForSelf(subjectKey SubjectKey, session *keys.Session, subjectID string) (WrappedSubjectKey, error) {
	if len(subjectKey.Bytes) != SubjectKeySize {
		return WrappedSubjectKey{}, enginerrors.New(enginerrors.CodeInvalidInput, "malformed subject key")
	}
	base, err := session.DeriveKey(keys.ContextSelfWrap, 32)
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	defer keys.Zeroize(base)

	kw, err := keys.DeriveKey(base, wrapInfo(subjectID, subjectKey.Version), 32)
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	defer keys.Zeroize(kw)

	holderID := session.ClientID()
	blob, err := keys.SealBytes(kw, subjectKey.Bytes, wrapAAD(subjectID, subjectKey.Version, holderID))
	if err != nil {
		return WrappedSubjectKey{}, err
	}
	return WrappedSubjectKey{
		SubjectID: subjectID,
		Version:   subjectKey.Version,
		HolderID:  holderID,
		Mode:      WrapModeSelf,
		Blob:      blob,
	}, nil
}

// UnwrapForSelf reverses WrapForSelf.
func UnwrapForSelf(wrapped WrappedSubjectKey, session *keys.Session, subjectID string) (SubjectKey, error) {
	if wrapped.SubjectID != subjectID {
		return SubjectKey{}, enginerrors.New(enginerrors.CodeInvalidInput, "wrapped key belongs to a different subject")
	}
	base, err := session.DeriveKey(keys.ContextSelfWrap, 32)
	if err != nil {
		return SubjectKey{}, err
	}
	defer keys.Zeroize(base)

	kw, err := keys.DeriveKey(base, wrapInfo(subjectID, wrapped.Version), 32)
	if err != nil {
		return SubjectKey{}, err
	}
	defer keys.Zeroize(kw)

	raw, err := keys.OpenBytes(kw, wrapped.Blob, wrapAAD(subjectID, wrapped.Version, wrapped.HolderID))
	if err != nil {
		return SubjectKey{}, err
	}
	return SubjectKey{Bytes: raw, Version: wrapped.Version}, nil
}

// VerificationCode derives the 6-hex-digit code both parties can compare
// out-of-band after a first exchange. The code commits to the ECDH secret,
// so a man in the middle who substituted keys cannot produce matching codes
// on both sides. Verification is optional by design: trust-on-first-use
// keeps onboarding friction low, and this code is the recovery path.
func VerificationCode(own *keys.IdentityKeyPair, peerPub [32]byte) (string, error) {
	shared, err := own.SharedSecret(peerPub)
	if err != nil {
		return "", err
	}
	defer keys.Zeroize(shared)

	code, err := keys.DeriveKey(shared, keys.ContextVerifyCode, 3)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(code), nil
}

// ConfirmVerificationCode compares a locally derived code with the one the
// peer read out. A mismatch is surfaced and nothing else happens — no grant
// is revoked automatically; the user decides.
func ConfirmVerificationCode(own *keys.IdentityKeyPair, peerPub [32]byte, peerCode string) error {
	local, err := VerificationCode(own, peerPub)
	if err != nil {
		return err
	}
	if local != peerCode {
		return enginerrors.New(enginerrors.CodeVerificationMismatch, "verification codes differ")
	}
	return nil
}
