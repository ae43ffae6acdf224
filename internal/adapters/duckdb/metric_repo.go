package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

var _ ports.MetricCache = (*Repository)(nil)

// LoadMetrics returns the cached records of dir keyed by artifact basename.
// An undecodable row poisons the whole directory: the caller treats it as a
// miss and recomputes.
func (r *Repository) LoadMetrics(ctx context.Context, dir string) (map[string]domain.MetricRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT path, sequence, CAST(metrics AS TEXT) FROM metrics WHERE dir = ?`, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheCorrupt, err)
	}
	defer rows.Close()

	out := map[string]domain.MetricRecord{}
	for rows.Next() {
		var path, metricsJSON string
		var sequence sql.NullString
		if err := rows.Scan(&path, &sequence, &metricsJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCacheCorrupt, err)
		}
		rec := domain.MetricRecord{Path: path, Dir: dir, Fingerprint: sequence.String}
		if err := json.Unmarshal([]byte(metricsJSON), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrCacheCorrupt, path, err)
		}
		if rec.Metrics == nil {
			rec.Metrics = map[string]float64{}
		}
		out[path] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCacheCorrupt, err)
	}
	return out, nil
}

// SaveMetrics upserts records; rows for other artifacts are untouched.
func (r *Repository) SaveMetrics(ctx context.Context, dir string, records []domain.MetricRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
	INSERT INTO metrics (dir, path, sequence, total_score, metrics)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (dir, path) DO UPDATE SET
		sequence = excluded.sequence,
		total_score = excluded.total_score,
		metrics = excluded.metrics;
	`
	for _, rec := range records {
		rec.Metrics = maps.Clone(rec.Metrics)
		rec.DropNonFinite()
		metricsJSON, err := json.Marshal(rec.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics of %s: %w", rec.Path, err)
		}
		var total *float64
		if v, ok := rec.Value(domain.MetricTotalScore); ok {
			total = &v
		}
		if _, err := tx.ExecContext(ctx, query, dir, rec.Path, rec.Fingerprint, total, string(metricsJSON)); err != nil {
			return fmt.Errorf("failed to cache %s: %w", rec.Path, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) ClearMetrics(ctx context.Context, dir string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM metrics WHERE dir = ?`, dir)
	return err
}

// CachedDirs lists every directory with cached metrics and its record count.
func (r *Repository) CachedDirs(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT dir, COUNT(*) FROM metrics GROUP BY dir`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var dir string
		var n int
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, err
		}
		out[dir] = n
	}
	return out, rows.Err()
}
