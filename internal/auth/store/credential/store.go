// Package credential persists OPAQUE registration records, keyed by the
// pseudonymous client identifier. Records are protocol envelopes, not
// password hashes; the server could not verify a password offline from them
// without also holding the OPRF seed.
package credential

import "context"

// Store is the registration record store. Save is first-write-wins: a second
// registration for the same identifier conflicts.
type Store interface {
	Save(ctx context.Context, clientID string, record []byte) error
	Get(ctx context.Context, clientID string) ([]byte, error)
}
