package keys

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"

	enginerrors "kinvault/pkg/engine-errors"
)

const identityEntry = "identity-key"

// IdentityKeyPair is the long-lived X25519 key-agreement pair. Generated
// once per account, never rotated automatically; the private half exists
// only in volatile memory and as one blob sealed under the primary key.
type IdentityKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateIdentity creates a fresh X25519 pair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "identity key entropy", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "identity public key", err)
	}
	kp := &IdentityKeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs X25519 between this identity and a peer public key.
// The result feeds HKDF; it is never used as a key directly.
func (k *IdentityKeyPair) SharedSecret(peerPub [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(k.private[:], peerPub[:])
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "key agreement", err)
	}
	return secret, nil
}

// Zero wipes the private half.
func (k *IdentityKeyPair) Zero() {
	Zeroize(k.private[:])
}

// LoadOrCreateIdentity returns the account identity pair. On first use it
// generates a pair and persists the private half sealed under a key derived
// from primaryKey; on later calls it unseals the stored half. A seal that no
// longer opens (wrong key, corrupted store) is fatal for the session: the
// caller must re-authenticate, never regenerate silently.
func LoadOrCreateIdentity(ks Keystore, primaryKey []byte) (*IdentityKeyPair, error) {
	wrapKey, err := DeriveKey(primaryKey, ContextIdentityWrap, 32)
	if err != nil {
		return nil, err
	}
	defer Zeroize(wrapKey)

	sealed, err := ks.Get(identityEntry)
	switch {
	case errors.Is(err, ErrNoEntry):
		kp, genErr := GenerateIdentity()
		if genErr != nil {
			return nil, genErr
		}
		blob, sealErr := SealBytes(wrapKey, kp.private[:], kp.Public[:])
		if sealErr != nil {
			return nil, sealErr
		}
		stored := append(append([]byte{}, kp.Public[:]...), blob...)
		if setErr := ks.Set(identityEntry, stored); setErr != nil {
			return nil, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable, "persisting sealed identity", setErr)
		}
		return kp, nil
	case err != nil:
		return nil, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable, "reading sealed identity", err)
	}

	if len(sealed) <= 32 {
		return nil, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable, "sealed identity truncated")
	}
	var kp IdentityKeyPair
	copy(kp.Public[:], sealed[:32])
	priv, err := OpenBytes(wrapKey, sealed[32:], kp.Public[:])
	if err != nil {
		// Wrong primary key or corrupted store; indistinguishable and
		// equally fatal for the session.
		return nil, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable, "unsealing identity key", err)
	}
	copy(kp.private[:], priv)
	Zeroize(priv)
	return &kp, nil
}

// RotateIdentity is the explicit, user-triggered rotation path. It replaces
// the stored pair unconditionally; redistribution of the new public key is
// the caller's responsibility.
func RotateIdentity(ks Keystore, primaryKey []byte) (*IdentityKeyPair, error) {
	if err := ks.Delete(identityEntry); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable, "removing previous identity", err)
	}
	return LoadOrCreateIdentity(ks, primaryKey)
}
