// Package enginerrors defines the error taxonomy shared by every engine
// component. Crypto failures are deterministic facts, so each error carries a
// code the caller can dispatch on without string matching.
package enginerrors

import (
	"errors"
	"fmt"
)

// Code classifies an engine failure.
type Code string

const (
	// CodeProtocolError: malformed or unexpected authentication message.
	// The handshake must be aborted and restarted from message one.
	CodeProtocolError Code = "protocol_error"

	// CodeAuthenticationFailed: wrong credentials. Wrong password and
	// unknown user intentionally collapse into this one code.
	CodeAuthenticationFailed Code = "authentication_failed"

	// CodeKeyMaterialUnavailable: local secure store corrupted or sealed
	// under a different key. Fatal for the session; callers re-authenticate,
	// they never regenerate silently.
	CodeKeyMaterialUnavailable Code = "key_material_unavailable"

	// CodeDecryptionFailed: authentication-tag mismatch. Treated as
	// corruption or tampering; never retried with a different key.
	CodeDecryptionFailed Code = "decryption_failed"

	// CodeRevocationAborted: a revocation step failed and the whole
	// operation was rolled back. Safe to retry from scratch.
	CodeRevocationAborted Code = "revocation_aborted"

	// CodeVerificationMismatch: out-of-band verification codes differ.
	// Surfaced to the user; no automatic action is taken.
	CodeVerificationMismatch Code = "verification_mismatch"

	// CodeTamperEvidence: audit chain verification found broken links or
	// invalid signatures. Non-fatal but must never be swallowed.
	CodeTamperEvidence Code = "tamper_evidence"

	// CodeInvalidInput: caller contract violation (wrong key length,
	// missing identifier). Not a runtime condition worth retrying.
	CodeInvalidInput Code = "invalid_input"

	// CodeNotFound and CodeConflict translate storage facts into the
	// engine taxonomy at module boundaries.
	CodeNotFound Code = "not_found"
	CodeConflict Code = "conflict"
)

// Error is the concrete engine error. It wraps an optional cause so callers
// can use errors.Is/errors.As across layers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality, so errors.Is(err, enginerrors.New(code, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New builds an engine error with a code and a human-readable message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the engine code from err, walking the wrap chain.
// Returns empty string when err carries no engine code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
