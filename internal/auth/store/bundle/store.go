// Package bundle stores the client-encrypted key bundle each account parks
// server-side: sealed before upload, returned verbatim at login, never
// decryptable here.
package bundle

import "context"

type Store interface {
	Save(ctx context.Context, clientID string, bundle []byte) error
	// Get returns nil without error for accounts that never uploaded one.
	Get(ctx context.Context, clientID string) ([]byte, error)
}
