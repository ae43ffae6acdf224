package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

// Environment variables every scheduler sets for a task.
const (
	EnvBatchID   = "PIP_BATCH_ID"
	EnvTaskIndex = "PIP_TASK_INDEX"
)

// CommandFunc runs the engine. Output goes to logPath.
type CommandFunc func(ctx context.Context, dir, logPath string, argv []string) error

// TaskRunner executes one scheduler task: it looks up the batch, works out
// which item and variant the task owns and runs the engine on it.
type TaskRunner struct {
	logger    *slog.Logger
	repo      ports.BatchRepository
	graph     *StageGraph
	workspace *WorkspaceManager
	engine    string
	run       CommandFunc
}

func NewTaskRunner(
	logger *slog.Logger,
	repo ports.BatchRepository,
	graph *StageGraph,
	workspace *WorkspaceManager,
	engine string,
) *TaskRunner {
	if engine == "" {
		engine = "rosetta_scripts"
	}
	return &TaskRunner{
		logger:    logger,
		repo:      repo,
		graph:     graph,
		workspace: workspace,
		engine:    engine,
		run:       execCommand,
	}
}

// WithCommandFunc swaps the process launcher.
func (r *TaskRunner) WithCommandFunc(fn CommandFunc) *TaskRunner {
	r.run = fn
	return r
}

// EngineCommand builds the fixed argument set the engine is invoked with.
func (r *TaskRunner) EngineCommand(sd domain.StageDir, batch domain.JobBatch, a domain.Assignment) []string {
	outDir := r.workspace.OutputDirFor(sd, a.Item)
	argv := []string{
		r.engine,
		"-in:file:s", r.workspace.InputPath(sd, a.Item),
		"-in:file:native", r.graph.FindPath(sd, InputStructureFile),
		"-out:prefix", outDir + string(filepath.Separator),
		"-out:suffix", fmt.Sprintf("_%03d", a.Variant),
		"-out:no_nstruct_label",
		"-out:overwrite",
		"-out:pdb_gz",
		"-parser:protocol", r.graph.ProtocolScript(sd),
		"-parser:script_vars",
		"wts_file=" + r.graph.FindPath(sd, ScoreFunctionFile),
		"cst_file=" + r.graph.FindPath(sd, RestraintsFile),
	}
	if sd.Stage.Kind != domain.StageKindDesign {
		argv = append(argv, "loop_file="+r.graph.FindPath(sd, LoopsFile))
	}
	if sd.Stage.Kind == domain.StageKindValidate {
		fast := "no"
		if batch.TestRun {
			fast = "yes"
		}
		argv = append(argv, "fast="+fast)
	} else {
		argv = append(argv, "-packing:resfile", r.graph.FindPath(sd, ResfileFile))
	}
	return append(argv, "@", r.graph.FindPath(sd, FlagsFile))
}

// Run performs task taskIndex of the given batch.
func (r *TaskRunner) Run(ctx context.Context, sd domain.StageDir, id domain.BatchID, taskIndex int) error {
	batch, err := r.repo.GetBatch(ctx, sd, id)
	if err != nil {
		return fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	a, err := Assign(batch.Items, batch.Multiplicity, taskIndex)
	if err != nil {
		return err
	}

	outDir := r.workspace.OutputDirFor(sd, a.Item)
	if err := r.workspace.ensureDir(outDir); err != nil {
		return err
	}
	if err := r.workspace.ensureDir(sd.LogDir()); err != nil {
		return err
	}

	argv := r.EngineCommand(sd, batch, a)
	logPath := filepath.Join(sd.LogDir(), fmt.Sprintf("%s.%d.log", id, taskIndex))

	r.logger.Info("running task",
		"stage", sd.Stage.String(),
		"batch_id", id,
		"task_index", taskIndex,
		"item", a.Item,
		"variant", a.Variant,
	)
	if err := r.run(ctx, sd.Root, logPath, argv); err != nil {
		r.logger.Error("task failed", "batch_id", id, "task_index", taskIndex, "error", err)
		return fmt.Errorf("engine failed for %s: %w", a.Item, err)
	}
	r.logger.Info("task completed", "batch_id", id, "task_index", taskIndex)
	return nil
}

func execCommand(ctx context.Context, dir, logPath string, argv []string) error {
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create task log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "Command: %s\n\n", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return cmd.Run()
}
