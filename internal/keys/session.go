package keys

import (
	"errors"

	enginerrors "kinvault/pkg/engine-errors"
)

// Session holds the only ambient state the engine keeps between calls: the
// primary key and identity pair of the authenticated user. It is an explicit
// value passed to every operation — there is no package-level "current
// session". Populated on successful authentication; zeroized on logout,
// lock, or backgrounding past the policy timeout.
type Session struct {
	clientID string
	primary  []byte
	identity *IdentityKeyPair
	locked   bool
}

// NewSession derives the primary key from a fresh export key, loads (or on
// first login creates) the identity pair, and zeroizes the export key. The
// caller must not reuse exportKey afterwards.
func NewSession(clientID string, exportKey []byte, ks Keystore) (*Session, error) {
	if clientID == "" {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "empty client identifier")
	}
	primary, err := DerivePrimaryKey(exportKey)
	Zeroize(exportKey)
	if err != nil {
		return nil, err
	}
	identity, err := LoadOrCreateIdentity(ks, primary)
	if err != nil {
		Zeroize(primary)
		return nil, err
	}
	return &Session{clientID: clientID, primary: primary, identity: identity}, nil
}

// ClientID returns the pseudonymous identifier this session belongs to.
func (s *Session) ClientID() string { return s.clientID }

// Identity returns the session's identity pair.
func (s *Session) Identity() (*IdentityKeyPair, error) {
	if s.locked {
		return nil, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable, "session locked")
	}
	return s.identity, nil
}

// DeriveKey derives a purpose-bound key from the session's primary key. The
// primary key itself never leaves the session.
func (s *Session) DeriveKey(context string, size int) ([]byte, error) {
	if s.locked {
		return nil, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable, "session locked")
	}
	return DeriveKey(s.primary, context, size)
}

// Lock zeroizes all key material. The session cannot be unlocked; the caller
// re-authenticates and builds a new one.
func (s *Session) Lock() {
	if s.locked {
		return
	}
	Zeroize(s.primary)
	if s.identity != nil {
		s.identity.Zero()
	}
	s.locked = true
}

// Close is Lock under the name callers expect at logout.
func (s *Session) Close() { s.Lock() }

// primaryEntry names the keystore slot holding the sealed primary key copy.
const primaryEntry = "primary-key"

// Park writes a sealed copy of the primary key through the platform secure
// store. A session locked for backgrounding can then be rebuilt with
// ResumeSession instead of a fresh authentication exchange. The copy at rest
// is only as strong as the device seal; logout must discard it.
func (s *Session) Park(store SecureStore, ks Keystore) error {
	if s.locked {
		return enginerrors.New(enginerrors.CodeKeyMaterialUnavailable, "session locked")
	}
	sealed, err := store.Seal(s.primary)
	if err != nil {
		return err
	}
	return ks.Set(primaryEntry, sealed)
}

// ResumeSession rebuilds a session from the parked primary key copy. The
// sealed copy stays in the keystore until DiscardParked removes it.
func ResumeSession(clientID string, store SecureStore, ks Keystore) (*Session, error) {
	if clientID == "" {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "empty client identifier")
	}
	sealed, err := ks.Get(primaryEntry)
	if errors.Is(err, ErrNoEntry) {
		return nil, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable, "no parked session")
	}
	if err != nil {
		return nil, err
	}
	primary, err := store.Open(sealed)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeKeyMaterialUnavailable, "opening parked primary key", err)
	}
	identity, err := LoadOrCreateIdentity(ks, primary)
	if err != nil {
		Zeroize(primary)
		return nil, err
	}
	return &Session{clientID: clientID, primary: primary, identity: identity}, nil
}

// DiscardParked removes the sealed primary key copy at logout.
func DiscardParked(ks Keystore) error { return ks.Delete(primaryEntry) }
