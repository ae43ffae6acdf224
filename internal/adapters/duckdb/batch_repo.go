package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

var _ ports.BatchRepository = (*Repository)(nil)

// CreateBatch records the batch and one claim row per item in a single
// transaction. The claims primary key rejects any item claimed before.
func (r *Repository) CreateBatch(ctx context.Context, stage domain.StageDir, batch domain.JobBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	inputsJSON, err := json.Marshal(batch.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, item := range batch.Items {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM claims WHERE stage = ? AND item = ?`, stage.ID(), string(item),
		).Scan(&owner)
		if err == nil {
			return fmt.Errorf("%w: %q belongs to batch %s", domain.ErrClaimConflict, item, owner)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check claim: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO batches (stage, id, inputs, multiplicity, max_runtime, max_memory, test_run, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stage.ID(), string(batch.ID), string(inputsJSON), batch.Multiplicity,
		batch.Limits.MaxRuntime, batch.Limits.MaxMemory, batch.TestRun, batch.CreatedAt,
	)
	if err != nil {
		return mapConstraint(err, fmt.Sprintf("batch %s", batch.ID))
	}

	for _, item := range batch.Items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO claims (stage, item, batch_id) VALUES (?, ?, ?)`,
			stage.ID(), string(item), string(batch.ID),
		)
		if err != nil {
			return mapConstraint(err, fmt.Sprintf("item %q", item))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapConstraint(err, fmt.Sprintf("batch %s", batch.ID))
	}
	return nil
}

// A concurrent writer can still win the race between the check and the
// insert; the key violation then surfaces here.
func mapConstraint(err error, what string) error {
	if strings.Contains(err.Error(), "Constraint Error") || strings.Contains(err.Error(), "Conflict") {
		return fmt.Errorf("%w: %s: %v", domain.ErrClaimConflict, what, err)
	}
	return fmt.Errorf("failed to record %s: %w", what, err)
}

const batchColumns = `id, CAST(inputs AS TEXT), multiplicity, max_runtime, max_memory, test_run, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.JobBatch, error) {
	var b domain.JobBatch
	var id, inputsJSON string
	var maxRuntime, maxMemory sql.NullString
	if err := row.Scan(&id, &inputsJSON, &b.Multiplicity, &maxRuntime, &maxMemory, &b.TestRun, &b.CreatedAt); err != nil {
		return b, err
	}
	b.ID = domain.BatchID(id)
	b.Limits = domain.ResourceLimits{MaxRuntime: maxRuntime.String, MaxMemory: maxMemory.String}
	if err := json.Unmarshal([]byte(inputsJSON), &b.Items); err != nil {
		return b, fmt.Errorf("failed to unmarshal inputs: %w", err)
	}
	return b, nil
}

func (r *Repository) GetBatch(ctx context.Context, stage domain.StageDir, id domain.BatchID) (domain.JobBatch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE stage = ? AND id = ?`, stage.ID(), string(id))
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobBatch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
		}
		return domain.JobBatch{}, err
	}
	return b, nil
}

func (r *Repository) ListBatches(ctx context.Context, stage domain.StageDir) ([]domain.JobBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE stage = ? ORDER BY created_at ASC, id ASC`, stage.ID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.JobBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *Repository) DeleteBatches(ctx context.Context, stage domain.StageDir) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE stage = ?`, stage.ID()); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE stage = ?`, stage.ID())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
