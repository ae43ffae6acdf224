package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

// Config defines concurrency limits.
type Config struct {
	MaxConcurrentTasks int64
}

// TaskFunc performs one task of a released batch.
type TaskFunc func(ctx context.Context, stage domain.StageDir, id domain.BatchID, taskIndex int) error

// Scheduler runs batches on this machine. Reserved batches wait in memory
// until released; Release runs every task, at most MaxConcurrentTasks at a
// time, and returns once all of them finished.
type Scheduler struct {
	logger    *slog.Logger
	semaphore *semaphore.Weighted
	run       TaskFunc

	mu   sync.Mutex
	held map[domain.BatchID]domain.BatchSpec
}

func NewScheduler(logger *slog.Logger, cfg Config, run TaskFunc) *Scheduler {
	limit := cfg.MaxConcurrentTasks
	if limit <= 0 {
		limit = 4
	}
	return &Scheduler{
		logger:    logger,
		semaphore: semaphore.NewWeighted(limit),
		run:       run,
		held:      map[domain.BatchID]domain.BatchSpec{},
	}
}

var _ ports.Scheduler = (*Scheduler)(nil)

func (s *Scheduler) Reserve(ctx context.Context, spec domain.BatchSpec) (domain.BatchID, error) {
	if spec.TaskCount < 1 {
		return "", fmt.Errorf("batch has no tasks")
	}
	id := domain.BatchID(uuid.New().String())
	s.mu.Lock()
	s.held[id] = spec
	s.mu.Unlock()
	s.logger.Info("batch held", "batch_id", id, "tasks", spec.TaskCount)
	return id, nil
}

func (s *Scheduler) take(id domain.BatchID) (domain.BatchSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.held[id]
	delete(s.held, id)
	return spec, ok
}

// Release runs the held batch. Failed tasks are logged; their items stay
// claimed like they would on a cluster.
func (s *Scheduler) Release(ctx context.Context, id domain.BatchID) error {
	spec, ok := s.take(id)
	if !ok {
		return fmt.Errorf("batch %s is not held", id)
	}

	var wg sync.WaitGroup
	var failed int
	var mu sync.Mutex
	for i := 0; i < spec.TaskCount; i++ {
		if err := s.semaphore.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("failed to acquire semaphore: %w", err)
		}
		wg.Add(1)
		go func(taskIndex int) {
			defer wg.Done()
			defer s.semaphore.Release(1)
			if err := s.run(ctx, spec.StageDir, id, taskIndex); err != nil {
				s.logger.Error("task failed", "batch_id", id, "task_index", taskIndex, "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	s.logger.Info("batch finished", "batch_id", id, "tasks", spec.TaskCount, "failed", failed)
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, id domain.BatchID) error {
	if _, ok := s.take(id); !ok {
		return fmt.Errorf("batch %s is not held", id)
	}
	s.logger.Info("batch cancelled", "batch_id", id)
	return nil
}
