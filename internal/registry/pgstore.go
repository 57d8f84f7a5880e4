package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps documents in a single table with a version column
// bumped on every save. The upsert runs as one statement so the version
// increment is atomic across gateway instances.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and ensures the documents table exists
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS registry_documents (
			name       TEXT PRIMARY KEY,
			version    INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			data       JSONB NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure registry table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Load(ctx context.Context, name string) ([]byte, int, error) {
	var data []byte
	var version int
	err := p.db.QueryRowContext(ctx,
		`SELECT data, version FROM registry_documents WHERE name = $1`, name,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load document %s: %w", name, err)
	}
	return data, version, nil
}

func (p *PostgresStore) Save(ctx context.Context, name string, data []byte) (int, error) {
	var version int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO registry_documents (name, version, updated_at, data)
		VALUES ($1, 1, now(), $2)
		ON CONFLICT (name) DO UPDATE
		SET version = registry_documents.version + 1,
		    updated_at = now(),
		    data = EXCLUDED.data
		RETURNING version`, name, data,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save document %s: %w", name, err)
	}
	return version, nil
}
