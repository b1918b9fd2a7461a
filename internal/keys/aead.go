package keys

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	enginerrors "kinvault/pkg/engine-errors"
)

// SealBytes encrypts plaintext under key with ChaCha20-Poly1305, binding the
// additional data into the tag. Wire format: nonce ∥ ciphertext+tag.
func SealBytes(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "sealing key", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// OpenBytes reverses SealBytes. A tag mismatch means corruption or tampering
// and is reported as CodeDecryptionFailed; it is never retried with another
// key.
func OpenBytes(key, blob, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeInvalidInput, "opening key", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, enginerrors.New(enginerrors.CodeDecryptionFailed, "sealed blob truncated")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, enginerrors.Wrap(enginerrors.CodeDecryptionFailed, "authentication tag mismatch", err)
	}
	return plaintext, nil
}
