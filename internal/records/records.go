// Package records encrypts and decrypts individual record payloads under a
// subject key. The engine treats payloads as opaque bytes; schema and
// indexing live with the caller.
package records

import (
	"encoding/binary"
	"fmt"

	"kinvault/internal/keys"
	"kinvault/internal/sharing"
	enginerrors "kinvault/pkg/engine-errors"
)

// formatVersion is the first byte of every encrypted record. Bumped only on
// an incompatible layout change.
const formatVersion byte = 0x01

// headerSize is formatVersion plus the big-endian subject key version.
const headerSize = 1 + 4

func recordAAD(subjectID string, keyVersion uint32, recordID string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", subjectID, keyVersion, recordID))
}

// EncryptRecord seals a plaintext payload under the subject key. The blob is
// self-describing: a plaintext header carries the key version so a holder
// with a stale key can detect the mismatch before attempting decryption, and
// the header is authenticated through the AAD so it cannot be forged.
func EncryptRecord(key sharing.SubjectKey, subjectID, recordID string, plaintext []byte) ([]byte, error) {
	if len(key.Bytes) != sharing.SubjectKeySize {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "malformed subject key")
	}
	if subjectID == "" || recordID == "" {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "record requires subject and record identifiers")
	}

	sealed, err := keys.SealBytes(key.Bytes, plaintext, recordAAD(subjectID, key.Version, recordID))
	if err != nil {
		return nil, err
	}

	blob := make([]byte, headerSize, headerSize+len(sealed))
	blob[0] = formatVersion
	binary.BigEndian.PutUint32(blob[1:headerSize], key.Version)
	return append(blob, sealed...), nil
}

// KeyVersion reads the subject key version a blob was sealed under, without
// decrypting. Used by holders to decide whether their cached key is current
// and by the revocation engine to find records still on an old key.
func KeyVersion(blob []byte) (uint32, error) {
	if len(blob) < headerSize {
		return 0, enginerrors.New(enginerrors.CodeDecryptionFailed, "record blob truncated")
	}
	if blob[0] != formatVersion {
		return 0, enginerrors.New(enginerrors.CodeDecryptionFailed,
			fmt.Sprintf("unsupported record format %#x", blob[0]))
	}
	return binary.BigEndian.Uint32(blob[1:headerSize]), nil
}

// DecryptRecord opens a blob produced by EncryptRecord. A key version
// mismatch is CodeKeyMaterialUnavailable — the caller's key is stale (or too
// new) and the fix is to refresh key material, not to report corruption. A
// tag failure after the version check is CodeDecryptionFailed and final.
func DecryptRecord(key sharing.SubjectKey, subjectID, recordID string, blob []byte) ([]byte, error) {
	version, err := KeyVersion(blob)
	if err != nil {
		return nil, err
	}
	if version != key.Version {
		return nil, enginerrors.New(enginerrors.CodeKeyMaterialUnavailable,
			fmt.Sprintf("record sealed under key version %d, holder has %d", version, key.Version))
	}
	return keys.OpenBytes(key.Bytes, blob[headerSize:], recordAAD(subjectID, version, recordID))
}
