package ports

import (
	"context"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// BatchRepository persists JobBatch records per stage (stageId -> [JobBatch]).
type BatchRepository interface {
	// CreateBatch durably records a batch. It must be atomic with respect to
	// concurrent calls for the same stage: if any of the batch's items is
	// already claimed it fails with domain.ErrClaimConflict and persists
	// nothing.
	CreateBatch(ctx context.Context, stage domain.StageDir, batch domain.JobBatch) error

	// GetBatch returns one batch or domain.ErrBatchNotFound.
	GetBatch(ctx context.Context, stage domain.StageDir, id domain.BatchID) (domain.JobBatch, error)

	// ListBatches returns every persisted batch of the stage, oldest first.
	ListBatches(ctx context.Context, stage domain.StageDir) ([]domain.JobBatch, error)

	// DeleteBatches removes every batch of the stage and reports how many.
	DeleteBatches(ctx context.Context, stage domain.StageDir) (int, error)
}

// Scheduler abstracts the external, possibly distributed, compute scheduler.
// Batches are reserved in a held state and only run once released.
type Scheduler interface {
	// Reserve submits a held batch and returns its scheduler-assigned id.
	Reserve(ctx context.Context, spec domain.BatchSpec) (domain.BatchID, error)

	// Release lets a held batch start running.
	Release(ctx context.Context, id domain.BatchID) error

	// Cancel withdraws a held batch that will never be released.
	Cancel(ctx context.Context, id domain.BatchID) error
}

// MetricCache is the additive per-directory cache of metric records.
type MetricCache interface {
	// LoadMetrics returns cached records keyed by artifact basename.
	LoadMetrics(ctx context.Context, dir string) (map[string]domain.MetricRecord, error)

	// SaveMetrics upserts the given records; existing entries for other
	// artifacts are left alone.
	SaveMetrics(ctx context.Context, dir string, records []domain.MetricRecord) error

	// ClearMetrics forgets every cached record of the directory.
	ClearMetrics(ctx context.Context, dir string) error
}

// ScoreReader turns one produced artifact into a metric record.
type ScoreReader interface {
	ReadScores(ctx context.Context, artifactPath string) (domain.MetricRecord, error)
}
