package bundle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists bundles in the bundles table, last write wins.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, clientID string, bundle []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bundles (client_id, bundle, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (client_id) DO UPDATE SET bundle = EXCLUDED.bundle, updated_at = NOW()`,
		clientID, bundle)
	if err != nil {
		return fmt.Errorf("saving bundle: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) ([]byte, error) {
	var bundle []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM bundles WHERE client_id = $1`, clientID).Scan(&bundle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading bundle: %w", err)
	}
	return bundle, nil
}
