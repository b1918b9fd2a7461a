// Package keys implements the key hierarchy manager: everything below the
// export key. It owns the primary key derivation, the identity key pair and
// its sealed persistence, the session value, and the HKDF contexts that
// domain-separate every derived key in the system.
package keys

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	enginerrors "kinvault/pkg/engine-errors"
)

// HKDF context strings. Using a distinct context per purpose prevents
// cross-protocol key reuse; never derive two different keys with the same
// context.
const (
	ContextPrimaryKey   = "kinvault/primary-key/v1"
	ContextIdentityWrap = "kinvault/identity-wrap/v1"
	ContextSelfWrap     = "kinvault/self-wrap/v1"
	ContextSubjectWrap  = "kinvault/subject-wrap/v1"
	ContextVerifyCode   = "kinvault/verify-code/v1"
	ContextAuditMAC     = "kinvault/audit-mac/v1"
	ContextAuditEnc     = "kinvault/audit-enc/v1"
)

const (
	// PrimaryKeySize is the size of the per-device root key.
	PrimaryKeySize = 32
	// minExportKeySize guards against callers passing truncated export
	// keys; the OPAQUE suite produces 64 bytes.
	minExportKeySize = 32
)

// DeriveKey expands secret into a key of the requested size, bound to the
// given context. Pure function; structural misuse is a caller contract
// violation reported as CodeInvalidInput, never a panic.
func DeriveKey(secret []byte, context string, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "empty secret for key derivation")
	}
	if context == "" {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "empty derivation context")
	}
	if size <= 0 || size > 255*sha256.Size {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "invalid derived key size")
	}
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "hkdf expand", err)
	}
	return out, nil
}

// DerivePrimaryKey derives the per-device root key from a fresh export key.
// The export key must be zeroized by the caller immediately afterwards.
func DerivePrimaryKey(exportKey []byte) ([]byte, error) {
	if len(exportKey) < minExportKeySize {
		return nil, enginerrors.New(enginerrors.CodeInvalidInput, "export key too short")
	}
	return DeriveKey(exportKey, ContextPrimaryKey, PrimaryKeySize)
}

// Zeroize overwrites sensitive byte material in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
