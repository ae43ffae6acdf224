package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

// SubmitOptions are the per-submission knobs exposed to operators.
type SubmitOptions struct {
	Multiplicity int
	Limits       domain.ResourceLimits
	TestRun      bool
}

// JobLedger tracks which work items of a stage have been claimed by a batch.
// Nothing is cached between calls: other processes may submit concurrently.
type JobLedger struct {
	logger    *slog.Logger
	repo      ports.BatchRepository
	scheduler ports.Scheduler
	workspace *WorkspaceManager
	cache     ports.MetricCache
	now       func() time.Time

	mu       sync.RWMutex
	defaults func(domain.StageKind) domain.ResourceLimits
}

func NewJobLedger(
	logger *slog.Logger,
	repo ports.BatchRepository,
	scheduler ports.Scheduler,
	workspace *WorkspaceManager,
	cache ports.MetricCache,
) *JobLedger {
	return &JobLedger{
		logger:    logger,
		repo:      repo,
		scheduler: scheduler,
		workspace: workspace,
		cache:     cache,
		now:       time.Now,
		defaults:  domain.DefaultResourceLimits,
	}
}

// UseSettings makes the workspace settings the source of default limits.
func (l *JobLedger) UseSettings(s *domain.Settings) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = s.LimitsFor
}

// AllItems is the stage's input set. Model building has exactly one item,
// the workspace's input structure; later stages consume whatever has been
// advanced into their inputs directory.
func (l *JobLedger) AllItems(sd domain.StageDir) ([]domain.WorkItem, error) {
	if sd.Stage.Kind == domain.StageKindBuild {
		return []domain.WorkItem{InputStructureFile}, nil
	}
	names, err := l.workspace.ListArtifacts(sd.InputDir())
	if err != nil {
		return nil, err
	}
	items := make([]domain.WorkItem, 0, len(names))
	for _, name := range names {
		items = append(items, domain.WorkItem(name))
	}
	return items, nil
}

// UnclaimedItems returns the items not claimed by any persisted batch,
// in AllItems order.
func (l *JobLedger) UnclaimedItems(ctx context.Context, sd domain.StageDir) ([]domain.WorkItem, error) {
	all, err := l.AllItems(sd)
	if err != nil {
		return nil, err
	}
	claimed, err := l.claimedItems(ctx, sd)
	if err != nil {
		return nil, err
	}
	unclaimed := make([]domain.WorkItem, 0, len(all))
	for _, item := range all {
		if _, ok := claimed[item]; !ok {
			unclaimed = append(unclaimed, item)
		}
	}
	return unclaimed, nil
}

func (l *JobLedger) claimedItems(ctx context.Context, sd domain.StageDir) (map[domain.WorkItem]domain.BatchID, error) {
	batches, err := l.repo.ListBatches(ctx, sd)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	claimed := map[domain.WorkItem]domain.BatchID{}
	for _, b := range batches {
		for _, item := range b.Items {
			claimed[item] = b.ID
		}
	}
	return claimed, nil
}

// Batches lists the persisted batches of a stage, oldest first.
func (l *JobLedger) Batches(ctx context.Context, sd domain.StageDir) ([]domain.JobBatch, error) {
	return l.repo.ListBatches(ctx, sd)
}

// Submit claims items for a new batch. The scheduler holds the batch until
// its claim has been persisted, so work never runs unrecorded. Any failure
// before the claim is persisted leaves the items unclaimed.
func (l *JobLedger) Submit(ctx context.Context, sd domain.StageDir, items []domain.WorkItem, opts SubmitOptions) (domain.JobBatch, error) {
	if err := sd.Stage.Validate(); err != nil {
		return domain.JobBatch{}, err
	}
	if len(items) == 0 {
		return domain.JobBatch{}, domain.ErrNothingToSubmit
	}
	if opts.Multiplicity < 1 {
		return domain.JobBatch{}, fmt.Errorf("multiplicity must be >= 1 (got %d)", opts.Multiplicity)
	}

	unclaimed, err := l.UnclaimedItems(ctx, sd)
	if err != nil {
		return domain.JobBatch{}, err
	}
	available := make(map[domain.WorkItem]struct{}, len(unclaimed))
	for _, item := range unclaimed {
		available[item] = struct{}{}
	}
	for _, item := range items {
		if _, ok := available[item]; !ok {
			return domain.JobBatch{}, fmt.Errorf("%w: %q is claimed or not an input of %s", domain.ErrClaimConflict, item, sd.Stage)
		}
	}

	// The scheduler writes task logs into the stage before any task runs.
	if _, err := l.workspace.PrepareStage(sd); err != nil {
		return domain.JobBatch{}, err
	}

	limits := l.resolveLimits(sd.Stage.Kind, opts)
	batch := domain.JobBatch{
		Items:        append([]domain.WorkItem(nil), items...),
		Multiplicity: opts.Multiplicity,
		Limits:       limits,
		TestRun:      opts.TestRun,
	}
	spec := domain.BatchSpec{
		StageDir:  sd,
		TaskCount: batch.TaskCount(),
		Limits:    limits,
		TestRun:   opts.TestRun,
	}

	id, err := l.scheduler.Reserve(ctx, spec)
	if err == nil && id == "" {
		err = errors.New("scheduler returned an empty batch id")
	}
	if err != nil {
		return domain.JobBatch{}, &domain.SubmissionError{Stage: sd.Stage, Cause: err}
	}

	batch.ID = id
	batch.CreatedAt = l.now().UTC()
	if err := batch.Validate(); err != nil {
		l.cancel(ctx, id)
		return domain.JobBatch{}, &domain.SubmissionError{Stage: sd.Stage, Cause: err}
	}

	if err := l.repo.CreateBatch(ctx, sd, batch); err != nil {
		l.cancel(ctx, id)
		return domain.JobBatch{}, &domain.SubmissionError{Stage: sd.Stage, Cause: err}
	}

	if err := l.scheduler.Release(ctx, id); err != nil {
		return batch, &domain.SubmissionError{Stage: sd.Stage, Claimed: true, Cause: err}
	}

	l.logger.Info("batch submitted",
		"stage", sd.Stage.String(),
		"batch_id", id,
		"items", len(batch.Items),
		"tasks", spec.TaskCount,
		"test_run", opts.TestRun,
	)
	return batch, nil
}

// SubmitBatch claims every unclaimed item of the stage.
func (l *JobLedger) SubmitBatch(ctx context.Context, sd domain.StageDir, opts SubmitOptions) (domain.JobBatch, error) {
	items, err := l.UnclaimedItems(ctx, sd)
	if err != nil {
		return domain.JobBatch{}, err
	}
	if len(items) == 0 {
		return domain.JobBatch{}, domain.ErrNothingToSubmit
	}
	return l.Submit(ctx, sd, items, opts)
}

func (l *JobLedger) resolveLimits(kind domain.StageKind, opts SubmitOptions) domain.ResourceLimits {
	limits := opts.Limits
	l.mu.RLock()
	defaults := l.defaults(kind)
	l.mu.RUnlock()
	if limits.MaxRuntime == "" {
		limits.MaxRuntime = defaults.MaxRuntime
	}
	if limits.MaxMemory == "" {
		limits.MaxMemory = defaults.MaxMemory
	}
	if opts.TestRun {
		limits.MaxRuntime = domain.TestRunMaxRuntime
	}
	return limits
}

func (l *JobLedger) cancel(ctx context.Context, id domain.BatchID) {
	if err := l.scheduler.Cancel(ctx, id); err != nil {
		l.logger.Error("failed to cancel held batch", "batch_id", id, "error", err)
	}
}

// Clear forgets every batch of the stage and deletes what its tasks produced.
func (l *JobLedger) Clear(ctx context.Context, sd domain.StageDir) (domain.ClearReport, error) {
	var report domain.ClearReport

	dirs, err := l.workspace.OutputDirs(sd)
	if err != nil {
		return report, err
	}

	n, err := l.repo.DeleteBatches(ctx, sd)
	if err != nil {
		return report, fmt.Errorf("failed to delete batches: %w", err)
	}
	report.Batches = n

	removed, err := l.workspace.ClearOutputs(sd)
	report.Artifacts = removed
	if err != nil {
		return report, err
	}

	if l.cache != nil {
		for _, dir := range dirs {
			if err := l.cache.ClearMetrics(ctx, dir); err != nil {
				return report, fmt.Errorf("failed to clear cached metrics: %w", err)
			}
		}
	}

	l.logger.Info("stage cleared", "stage", sd.Stage.String(), "batches", report.Batches, "artifacts", report.Artifacts)
	return report, nil
}
