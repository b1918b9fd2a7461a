package storage

import "errors"

// Sentinel errors for storage facts. Services translate these into engine
// errors at module boundaries; they are never returned to callers raw.
var (
	// ErrNotFound keeps storage-specific misses consistent across the
	// in-memory and Postgres implementations.
	ErrNotFound = errors.New("blob not found")
	// ErrConflict signals a failed WithIfMatch condition.
	ErrConflict = errors.New("etag conflict")
)
