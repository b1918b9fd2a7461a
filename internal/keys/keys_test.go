package keys

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerrors "kinvault/pkg/engine-errors"
)

func randomKey(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestDerivePrimaryKeyDeterministic(t *testing.T) {
	exportKey := randomKey(t, 64)

	a, err := DerivePrimaryKey(exportKey)
	require.NoError(t, err)
	b, err := DerivePrimaryKey(exportKey)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, PrimaryKeySize)
}

func TestDerivePrimaryKeyRejectsShortInput(t *testing.T) {
	_, err := DerivePrimaryKey(make([]byte, 16))
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeInvalidInput))
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	secret := randomKey(t, 32)

	mac, err := DeriveKey(secret, ContextAuditMAC, 32)
	require.NoError(t, err)
	enc, err := DeriveKey(secret, ContextAuditEnc, 32)
	require.NoError(t, err)

	assert.NotEqual(t, mac, enc, "distinct contexts must yield distinct keys")
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t, 32)
	plaintext := []byte("subject key material")
	aad := []byte("subject-1|v1")

	blob, err := SealBytes(key, plaintext, aad)
	require.NoError(t, err)

	out, err := OpenBytes(key, blob, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestOpenDetectsTampering(t *testing.T) {
	key := randomKey(t, 32)
	blob, err := SealBytes(key, []byte("data"), nil)
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0x01
	_, err = OpenBytes(key, blob, nil)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key := randomKey(t, 32)
	blob, err := SealBytes(key, []byte("data"), []byte("subject-1|v1"))
	require.NoError(t, err)

	_, err = OpenBytes(key, blob, []byte("subject-1|v2"))
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
}

func TestLoadOrCreateIdentityStable(t *testing.T) {
	ks := NewMemoryKeystore()
	primary := randomKey(t, 32)

	first, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)

	assert.Equal(t, first.Public, second.Public, "identity must survive reloads")
	assert.Equal(t, first.private, second.private)
}

func TestLoadIdentityWrongPrimaryKeyFatal(t *testing.T) {
	ks := NewMemoryKeystore()
	primary := randomKey(t, 32)

	_, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)

	_, err = LoadOrCreateIdentity(ks, randomKey(t, 32))
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable),
		"wrong key must surface KeyMaterialUnavailable, not regenerate")
}

func TestLoadIdentityCorruptedStoreFatal(t *testing.T) {
	ks := NewMemoryKeystore()
	primary := randomKey(t, 32)

	_, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)

	sealed, err := ks.Get("identity-key")
	require.NoError(t, err)
	sealed[40] ^= 0xff
	require.NoError(t, ks.Set("identity-key", sealed))

	_, err = LoadOrCreateIdentity(ks, primary)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestRotateIdentityReplacesPair(t *testing.T) {
	ks := NewMemoryKeystore()
	primary := randomKey(t, 32)

	first, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)

	rotated, err := RotateIdentity(ks, primary)
	require.NoError(t, err)
	assert.NotEqual(t, first.Public, rotated.Public)

	reloaded, err := LoadOrCreateIdentity(ks, primary)
	require.NoError(t, err)
	assert.Equal(t, rotated.Public, reloaded.Public)
}

func TestSharedSecretAgreement(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	ab, err := a.SharedSecret(b.Public)
	require.NoError(t, err)
	ba, err := b.SharedSecret(a.Public)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
}

func TestSessionLifecycle(t *testing.T) {
	ks := NewMemoryKeystore()
	exportKey := randomKey(t, 64)
	exportCopy := append([]byte{}, exportKey...)

	sess, err := NewSession("client-a", exportKey, ks)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 64), exportKey, "export key must be zeroized by NewSession")

	k1, err := sess.DeriveKey(ContextAuditMAC, 32)
	require.NoError(t, err)

	// Same export key, fresh session: deterministic hierarchy.
	sess2, err := NewSession("client-a", exportCopy, ks)
	require.NoError(t, err)
	k2, err := sess2.DeriveKey(ContextAuditMAC, 32)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	id1, err := sess.Identity()
	require.NoError(t, err)
	id2, err := sess2.Identity()
	require.NoError(t, err)
	assert.Equal(t, id1.Public, id2.Public)

	sess.Lock()
	_, err = sess.DeriveKey(ContextAuditMAC, 32)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
	_, err = sess.Identity()
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestParkAndResumeSession(t *testing.T) {
	ks := NewMemoryKeystore()
	store := NewDeviceSecureStore(randomKey(t, 32))

	sess, err := NewSession("client-a", randomKey(t, 64), ks)
	require.NoError(t, err)
	k1, err := sess.DeriveKey(ContextAuditMAC, 32)
	require.NoError(t, err)
	id1, err := sess.Identity()
	require.NoError(t, err)
	pub := id1.Public

	require.NoError(t, sess.Park(store, ks))
	sess.Lock()

	resumed, err := ResumeSession("client-a", store, ks)
	require.NoError(t, err)
	defer resumed.Close()

	k2, err := resumed.DeriveKey(ContextAuditMAC, 32)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "resumed session must rebuild the same key hierarchy")

	id2, err := resumed.Identity()
	require.NoError(t, err)
	assert.Equal(t, pub, id2.Public)
}

func TestResumeSessionRequiresParkedKey(t *testing.T) {
	ks := NewMemoryKeystore()
	store := NewDeviceSecureStore(randomKey(t, 32))

	_, err := ResumeSession("client-a", store, ks)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestResumeSessionWrongDeviceKey(t *testing.T) {
	ks := NewMemoryKeystore()
	sess, err := NewSession("client-a", randomKey(t, 64), ks)
	require.NoError(t, err)
	require.NoError(t, sess.Park(NewDeviceSecureStore(randomKey(t, 32)), ks))
	sess.Close()

	_, err = ResumeSession("client-a", NewDeviceSecureStore(randomKey(t, 32)), ks)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestDiscardParkedEndsResume(t *testing.T) {
	ks := NewMemoryKeystore()
	store := NewDeviceSecureStore(randomKey(t, 32))

	sess, err := NewSession("client-a", randomKey(t, 64), ks)
	require.NoError(t, err)
	require.NoError(t, sess.Park(store, ks))
	sess.Close()

	require.NoError(t, DiscardParked(ks))
	_, err = ResumeSession("client-a", store, ks)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestParkRequiresLiveSession(t *testing.T) {
	ks := NewMemoryKeystore()
	sess, err := NewSession("client-a", randomKey(t, 64), ks)
	require.NoError(t, err)
	sess.Lock()

	err = sess.Park(NewDeviceSecureStore(randomKey(t, 32)), ks)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable))
}

func TestDeviceSecureStore(t *testing.T) {
	ss := NewDeviceSecureStore(randomKey(t, 32))

	sealed, err := ss.Seal([]byte("primary key copy"))
	require.NoError(t, err)
	out, err := ss.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("primary key copy"), out)

	other := NewDeviceSecureStore(randomKey(t, 32))
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestFileKeystore(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeystore(dir)
	require.NoError(t, err)

	_, err = ks.Get("absent")
	assert.ErrorIs(t, err, ErrNoEntry)

	require.NoError(t, ks.Set("entry", []byte("sealed")))
	data, err := ks.Get("entry")
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), data)

	require.NoError(t, ks.Delete("entry"))
	_, err = ks.Get("entry")
	assert.ErrorIs(t, err, ErrNoEntry)
}
