package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinvault/internal/sharing"
	enginerrors "kinvault/pkg/engine-errors"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)

	plaintext := []byte(`{"temperature":38.2,"notes":"fever since morning"}`)
	blob, err := EncryptRecord(key, "subject-emma", "rec-1", plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "fever")

	out, err := DecryptRecord(key, "subject-emma", "rec-1", blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestKeyVersionReadableWithoutKey(t *testing.T) {
	key, err := sharing.NewSubjectKey(7)
	require.NoError(t, err)

	blob, err := EncryptRecord(key, "subject-emma", "rec-1", []byte("payload"))
	require.NoError(t, err)

	version, err := KeyVersion(blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), version)
}

func TestDecryptStaleKeyIsKeyMaterialError(t *testing.T) {
	current, err := sharing.NewSubjectKey(2)
	require.NoError(t, err)
	stale, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)

	blob, err := EncryptRecord(current, "subject-emma", "rec-1", []byte("payload"))
	require.NoError(t, err)

	_, err = DecryptRecord(stale, "subject-emma", "rec-1", blob)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeKeyMaterialUnavailable),
		"stale key must be distinguishable from corruption")
}

func TestDecryptBindsIdentifiers(t *testing.T) {
	key, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)

	blob, err := EncryptRecord(key, "subject-emma", "rec-1", []byte("payload"))
	require.NoError(t, err)

	t.Run("other subject", func(t *testing.T) {
		_, err := DecryptRecord(key, "subject-noah", "rec-1", blob)
		assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
	})

	t.Run("other record", func(t *testing.T) {
		_, err := DecryptRecord(key, "subject-emma", "rec-2", blob)
		assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
	})
}

func TestDecryptRejectsForgedHeader(t *testing.T) {
	key, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)
	sameBytesV2 := sharing.SubjectKey{Bytes: key.Bytes, Version: 2}

	blob, err := EncryptRecord(key, "subject-emma", "rec-1", []byte("payload"))
	require.NoError(t, err)

	// Rewriting the version header to match a different key must fail the
	// tag check: the original version is bound through the AAD.
	forged := append([]byte{}, blob...)
	forged[4] = 0x02
	_, err = DecryptRecord(sameBytesV2, "subject-emma", "rec-1", forged)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
}

func TestDecryptTruncatedBlob(t *testing.T) {
	key, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)

	_, err = DecryptRecord(key, "subject-emma", "rec-1", []byte{formatVersion, 0, 0})
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
}

func TestUnsupportedFormatVersion(t *testing.T) {
	key, err := sharing.NewSubjectKey(1)
	require.NoError(t, err)

	blob, err := EncryptRecord(key, "subject-emma", "rec-1", []byte("payload"))
	require.NoError(t, err)
	blob[0] = 0x7f

	_, err = DecryptRecord(key, "subject-emma", "rec-1", blob)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeDecryptionFailed))
}
