package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists blobs and the change manifest in PostgreSQL.
// Schema:
//
//	CREATE TABLE blobs (
//	    key   TEXT PRIMARY KEY,
//	    data  BYTEA NOT NULL,
//	    etag  TEXT NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE blob_manifest (
//	    id         BIGSERIAL PRIMARY KEY,
//	    device_id  TEXT NOT NULL,
//	    key        TEXT NOT NULL,
//	    op         TEXT NOT NULL,
//	    changed_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX blob_manifest_changed_at_idx ON blob_manifest (changed_at);
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*PostgresStore)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresStoreOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a Postgres-backed blob store.
func NewPostgres(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = $1`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte, opts ...PutOption) error {
	var options PutOptions
	for _, opt := range opts {
		opt(&options)
	}
	deviceID := options.DeviceID
	if deviceID == "" {
		deviceID = "local"
	}
	now := s.clock()
	etag := ETag(data)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	if options.IfMatch == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO blobs (key, data, etag, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				data = EXCLUDED.data, etag = EXCLUDED.etag, updated_at = EXCLUDED.updated_at
		`, key, data, etag, now)
		if err != nil {
			return fmt.Errorf("put blob: %w", err)
		}
	} else if *options.IfMatch == "" {
		// Create-only.
		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO blobs (key, data, etag, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING
		`, key, data, etag, now)
		if execErr != nil {
			return fmt.Errorf("put blob: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrConflict
		}
	} else {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE blobs SET data = $2, etag = $3, updated_at = $4
			WHERE key = $1 AND etag = $5
		`, key, data, etag, now, *options.IfMatch)
		if execErr != nil {
			return fmt.Errorf("put blob: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrConflict
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blob_manifest (device_id, key, op, changed_at)
		VALUES ($1, $2, $3, $4)
	`, deviceID, key, OpPut, now)
	if err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Head(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blobs WHERE key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("head blob: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Absent key, nothing to journal.
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO blob_manifest (device_id, key, op, changed_at)
		VALUES ($1, $2, $3, $4)
	`, "local", key, OpDelete, s.clock())
	if err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Manifest(ctx context.Context, since time.Time) ([]ManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, key, op, changed_at
		FROM blob_manifest
		WHERE changed_at > $1
		ORDER BY id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list manifest: %w", err)
	}
	defer rows.Close()

	var out []ManifestEntry
	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.DeviceID, &e.Key, &e.Op, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
