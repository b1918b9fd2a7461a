// Package loginstate holds the server's AKE state between the two login
// messages. Entries are strictly one-time and short-lived: Take removes on
// read, and anything older than the TTL is gone. A client that dawdles past
// the TTL restarts from message one.
package loginstate

import (
	"context"
	"time"
)

type Store interface {
	Put(ctx context.Context, clientID string, state []byte, ttl time.Duration) error
	// Take returns and deletes the state. Absent or expired both report
	// CodeNotFound; callers cannot distinguish them, on purpose.
	Take(ctx context.Context, clientID string) ([]byte, error)
}
