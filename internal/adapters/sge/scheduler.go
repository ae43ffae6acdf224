package sge

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

var submittedPattern = regexp.MustCompile(`Your job(?:-array)? (\d+)(?:\.[0-9:-]+)? \(".*"\) has been submitted`)

// RunFunc executes a Grid Engine command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Scheduler submits batches as Grid Engine array jobs. Arrays are submitted
// with a user hold (qsub -h) and released with qrls once recorded.
type Scheduler struct {
	logger *slog.Logger
	worker string
	run    RunFunc
}

// NewScheduler submits array jobs that run `<worker> task <stage dir>`.
func NewScheduler(logger *slog.Logger, worker string) *Scheduler {
	return &Scheduler{logger: logger, worker: worker, run: runCommand}
}

// WithRunFunc swaps the command runner.
func (s *Scheduler) WithRunFunc(fn RunFunc) *Scheduler {
	s.run = fn
	return s
}

var _ ports.Scheduler = (*Scheduler)(nil)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// QsubArgs renders the held array submission for spec.
func (s *Scheduler) QsubArgs(spec domain.BatchSpec) []string {
	sd := spec.StageDir
	return []string{
		"-h", "-cwd",
		"-N", "pip_" + string(sd.Stage.Kind),
		"-o", sd.LogDir(),
		"-e", sd.LogDir(),
		"-t", fmt.Sprintf("1-%d", spec.TaskCount),
		"-l", "h_rt=" + spec.Limits.MaxRuntime,
		"-l", "mem_free=" + spec.Limits.MaxMemory,
		"-b", "y",
		s.worker, "task", sd.Path(),
	}
}

// ParseJobID extracts the job id from qsub's confirmation line.
func ParseJobID(output string) (domain.BatchID, error) {
	m := submittedPattern.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("unrecognised qsub output: %q", strings.TrimSpace(output))
	}
	return domain.BatchID(m[1]), nil
}

func (s *Scheduler) Reserve(ctx context.Context, spec domain.BatchSpec) (domain.BatchID, error) {
	if spec.TaskCount < 1 {
		return "", fmt.Errorf("batch has no tasks")
	}
	out, err := s.run(ctx, "qsub", s.QsubArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("failed to submit array job: %w", err)
	}
	id, err := ParseJobID(string(out))
	if err != nil {
		return "", err
	}
	s.logger.Info("array job held", "batch_id", id, "tasks", spec.TaskCount)
	return id, nil
}

func (s *Scheduler) Release(ctx context.Context, id domain.BatchID) error {
	if _, err := s.run(ctx, "qrls", string(id)); err != nil {
		return fmt.Errorf("failed to release job %s: %w", id, err)
	}
	s.logger.Info("array job released", "batch_id", id)
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, id domain.BatchID) error {
	if _, err := s.run(ctx, "qdel", string(id)); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	s.logger.Info("array job deleted", "batch_id", id)
	return nil
}
