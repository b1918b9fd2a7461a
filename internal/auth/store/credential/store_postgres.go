package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	enginerrors "kinvault/pkg/engine-errors"
)

// PostgresStore persists registration records in the credentials table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, clientID string, record []byte) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (client_id, record)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO NOTHING`,
		clientID, record)
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	if affected == 0 {
		return enginerrors.New(enginerrors.CodeConflict, "identifier already registered")
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID string) ([]byte, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE client_id = $1`, clientID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, enginerrors.New(enginerrors.CodeNotFound, "unknown identifier")
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	return record, nil
}
