package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	stage VARCHAR NOT NULL,
	id VARCHAR NOT NULL,
	inputs JSON NOT NULL,
	multiplicity INTEGER NOT NULL,
	max_runtime VARCHAR,
	max_memory VARCHAR,
	test_run BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (stage, id)
);
CREATE TABLE IF NOT EXISTS claims (
	stage VARCHAR NOT NULL,
	item VARCHAR NOT NULL,
	batch_id VARCHAR NOT NULL,
	PRIMARY KEY (stage, item)
);
CREATE TABLE IF NOT EXISTS metrics (
	dir VARCHAR NOT NULL,
	path VARCHAR NOT NULL,
	sequence VARCHAR,
	total_score DOUBLE,
	metrics JSON NOT NULL,
	PRIMARY KEY (dir, path)
);
CREATE TABLE IF NOT EXISTS settings (
	key VARCHAR PRIMARY KEY,
	value VARCHAR NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Repository stores batches, claims, the metric cache and workspace settings
// in a single DuckDB file.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the database at path.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
