// Package storage defines the contract the engine requires from the opaque
// key-value collaborator. The engine never assumes a specific backend; it
// only needs conditional puts and a per-device change manifest for
// incremental sync and staleness detection.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Op classifies a manifest entry.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// ManifestEntry is one row of the per-device append-only journal of changed
// keys. Devices replay it to sync incrementally and to detect subject-key
// staleness.
type ManifestEntry struct {
	DeviceID  string
	Key       string
	Op        Op
	ChangedAt time.Time
}

// PutOptions carries optional conditions for Put.
type PutOptions struct {
	// IfMatch, when non-nil, requires the stored blob's ETag to equal the
	// given value. The empty string matches only an absent blob.
	IfMatch *string
	// DeviceID attributes the change in the manifest. Empty means "local".
	DeviceID string
}

// PutOption configures a Put call.
type PutOption func(*PutOptions)

// WithIfMatch makes the put conditional on the current ETag. Pass the empty
// string to require that the key does not exist yet.
func WithIfMatch(etag string) PutOption {
	return func(o *PutOptions) { o.IfMatch = &etag }
}

// WithDevice attributes the change to a device in the manifest.
func WithDevice(deviceID string) PutOption {
	return func(o *PutOptions) { o.DeviceID = deviceID }
}

// BlobStore is the content-addressable key-value surface. Implementations
// must treat values as opaque bytes; nothing in them is interpretable
// server-side.
type BlobStore interface {
	// Get returns the blob at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores data at key. With WithIfMatch it returns ErrConflict when
	// the condition fails and writes nothing.
	Put(ctx context.Context, key string, data []byte, opts ...PutOption) error
	// Head reports whether key exists without fetching the blob.
	Head(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Manifest lists changes strictly after since, oldest first.
	Manifest(ctx context.Context, since time.Time) ([]ManifestEntry, error)
}

// ETag derives the conditional-put tag for a blob. Content-addressed so two
// devices computing it independently agree.
func ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
