package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Kortemme-Lab/pull-into-place/internal/config"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/services"
)

// stageEnv resolves a stage directory argument and wires its workspace.
func (d *cliDeps) stageEnv(cmd *cobra.Command, path string, withDB bool) (*env, domain.StageDir, error) {
	root, sd, err := d.resolve(path)
	if err != nil {
		return nil, domain.StageDir{}, err
	}
	if sd == nil {
		return nil, domain.StageDir{}, &domain.StageNotFoundError{Path: path}
	}
	e, err := d.open(cmd.Context(), root, withDB)
	if err != nil {
		return nil, domain.StageDir{}, err
	}
	return e, *sd, nil
}

func newResolveCommand(d *cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Show the stage a path belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph := services.NewStageGraph(d.logger)
			sd, err := graph.MustResolve(args[0])
			if err != nil {
				return err
			}
			renderStage(cmd.OutOrStdout(), graph, sd)
			return nil
		},
	}
}

func newCheckCommand(d *cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Verify that every file a stage needs is in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph := services.NewStageGraph(d.logger)
			sd, err := graph.MustResolve(args[0])
			if err != nil {
				return err
			}
			err = graph.CheckPaths(sd)
			missing := map[string]bool{}
			var mie *domain.MissingInputError
			if errors.As(err, &mie) {
				for _, p := range mie.Paths {
					missing[p] = true
				}
			}
			renderCheck(cmd.OutOrStdout(), sd, graph.RequiredPaths(sd), missing)
			return err
		},
	}
}

func newUnclaimedCommand(d *cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "unclaimed <stage-dir>",
		Short: "List the work items no batch has claimed yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, sd, err := d.stageEnv(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer e.Close()

			ledger, err := e.jobLedger()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			all, err := ledger.AllItems(sd)
			if err != nil {
				return err
			}
			unclaimed, err := ledger.UnclaimedItems(ctx, sd)
			if err != nil {
				return err
			}
			batches, err := ledger.Batches(ctx, sd)
			if err != nil {
				return err
			}
			renderUnclaimed(cmd.OutOrStdout(), sd, all, unclaimed, batches)
			return nil
		},
	}
}

func newSubmitCommand(d *cliDeps) *cobra.Command {
	var (
		opts       services.SubmitOptions
		clearFirst bool
	)
	cmd := &cobra.Command{
		Use:   "submit <stage-dir>",
		Short: "Claim every unclaimed work item of a stage and submit it as one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, sd, err := d.stageEnv(cmd, args[0], true)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.graph.CheckPaths(sd); err != nil {
				return err
			}
			ledger, err := e.jobLedger()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var cleared *domain.ClearReport
			if clearFirst {
				report, err := ledger.Clear(ctx, sd)
				if err != nil {
					return err
				}
				cleared = &report
			}

			batch, err := ledger.SubmitBatch(ctx, sd, opts)
			if errors.Is(err, domain.ErrNothingToSubmit) {
				fmt.Fprintf(cmd.OutOrStdout(), "nothing to submit: every input of %s is already claimed\n", sd.Stage)
				return nil
			}
			if err != nil {
				var se *domain.SubmissionError
				if errors.As(err, &se) && se.Claimed {
					renderSubmit(cmd.OutOrStdout(), sd, batch, cleared)
				}
				return err
			}
			renderSubmit(cmd.OutOrStdout(), sd, batch, cleared)
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.Multiplicity, "multiplicity", "n", 1, "tasks to run per work item")
	cmd.Flags().StringVar(&opts.Limits.MaxRuntime, "max-runtime", "", "task runtime limit as h:mm:ss (default from settings)")
	cmd.Flags().StringVar(&opts.Limits.MaxMemory, "max-memory", "", "task memory limit, e.g. 2G (default from settings)")
	cmd.Flags().BoolVar(&opts.TestRun, "test-run", false, "run at most 50 short tasks")
	cmd.Flags().BoolVar(&clearFirst, "clear", false, "forget earlier batches and their results first")
	return cmd
}

func newClearCommand(d *cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <stage-dir>",
		Short: "Forget every batch of a stage and delete what it produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, sd, err := d.stageEnv(cmd, args[0], true)
			if err != nil {
				return err
			}
			defer e.Close()

			ledger, err := e.jobLedger()
			if err != nil {
				return err
			}
			report, err := ledger.Clear(cmd.Context(), sd)
			if err != nil {
				return err
			}
			renderClear(cmd.OutOrStdout(), sd, report)
			return nil
		},
	}
}

func newPickCommand(d *cliDeps) *cobra.Command {
	var (
		opts       services.SelectOptions
		clearFirst bool
	)
	cmd := &cobra.Command{
		Use:   "pick <stage-dir> [picks.yml]",
		Short: "Advance the best results of the previous stage into this stage's inputs",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, target, err := d.stageEnv(cmd, args[0], true)
			if err != nil {
				return err
			}
			defer e.Close()

			path := e.graph.FindPath(target, "picks.yml")
			if len(args) == 2 {
				path = args[1]
			}
			rules, err := config.LoadPickRules(path)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			selector := e.resultSelector()
			if clearFirst && !opts.DryRun {
				// Reject bad rules before the old inputs are gone.
				check := services.SelectOptions{DryRun: true, Recalc: opts.Recalc}
				if _, err := selector.SelectAndAdvance(ctx, target, rules, check); err != nil {
					return err
				}
				removed, err := e.workspace.ClearInputs(target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d earlier input(s) of %s\n", removed, target.Stage)
				opts.Recalc = false
			}

			report, err := selector.SelectAndAdvance(ctx, target, rules, opts)
			if err != nil {
				return err
			}
			renderSelection(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be advanced without linking anything")
	cmd.Flags().BoolVar(&opts.Recalc, "recalc", false, "re-read every artifact instead of trusting the metric cache")
	cmd.Flags().BoolVar(&clearFirst, "clear", false, "remove previously advanced inputs first")
	return cmd
}

func newCacheCommand(d *cliDeps) *cobra.Command {
	var recalc bool
	cmd := &cobra.Command{
		Use:   "cache [dir]",
		Short: "Load and cache the metrics of a results directory, or list cached directories",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			root, _, err := d.resolve(path)
			if err != nil {
				return err
			}
			e, err := d.open(cmd.Context(), root, true)
			if err != nil {
				return err
			}
			defer e.Close()

			if len(args) == 0 {
				dirs, err := e.db.CachedDirs(cmd.Context())
				if err != nil {
					return err
				}
				renderCachedDirs(cmd.OutOrStdout(), dirs)
				return nil
			}

			records, report, err := e.recordLoader().LoadRecords(cmd.Context(), args[0], !recalc)
			if err != nil {
				return err
			}
			renderLoad(cmd.OutOrStdout(), report, records)
			return nil
		},
	}
	cmd.Flags().BoolVar(&recalc, "recalc", false, "re-read every artifact instead of trusting the metric cache")
	return cmd
}

func newSettingsCommand(d *cliDeps) *cobra.Command {
	var (
		update domain.Settings
		kind   string
		limits domain.ResourceLimits
	)
	cmd := &cobra.Command{
		Use:   "settings [workspace]",
		Short: "Show or change the workspace settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			root, _, err := d.resolve(path)
			if err != nil {
				return err
			}
			e, err := d.open(cmd.Context(), root, true)
			if err != nil {
				return err
			}
			defer e.Close()

			flags := cmd.Flags()
			if flags.Changed("artifact-ext") || flags.Changed("scheduler") || flags.Changed("max-runtime") || flags.Changed("max-memory") {
				update.Limits = map[domain.StageKind]domain.ResourceLimits{}
				if flags.Changed("max-runtime") || flags.Changed("max-memory") {
					stage := domain.StageKind(kind)
					switch stage {
					case domain.StageKindBuild, domain.StageKindDesign, domain.StageKindValidate:
					default:
						return fmt.Errorf("--kind must be build, design or validate (got %q)", kind)
					}
					current := e.settings.Settings().LimitsFor(stage)
					if limits.MaxRuntime != "" {
						current.MaxRuntime = limits.MaxRuntime
					}
					if limits.MaxMemory != "" {
						current.MaxMemory = limits.MaxMemory
					}
					update.Limits[stage] = current
				}
				if err := e.settings.UpdateSettings(cmd.Context(), &update); err != nil {
					return err
				}
			}
			renderSettings(cmd.OutOrStdout(), e.settings.Settings())
			return nil
		},
	}
	cmd.Flags().StringVar(&update.ArtifactExt, "artifact-ext", "", "extension of the structures the engine writes")
	cmd.Flags().StringVar(&update.Scheduler, "scheduler", "", "scheduler to submit batches to (sge, docker, local)")
	cmd.Flags().StringVar(&kind, "kind", "", "stage kind the limit flags apply to")
	cmd.Flags().StringVar(&limits.MaxRuntime, "max-runtime", "", "default task runtime limit as h:mm:ss")
	cmd.Flags().StringVar(&limits.MaxMemory, "max-memory", "", "default task memory limit, e.g. 2G")
	return cmd
}

// taskIdentity reads which task of which batch this process is. Our own
// schedulers export PIP_*; under SGE the job id and 1-based array index are
// used directly.
func taskIdentity() (domain.BatchID, int, error) {
	id := os.Getenv(services.EnvBatchID)
	rawIndex := os.Getenv(services.EnvTaskIndex)
	offset := 0
	if id == "" {
		id = os.Getenv("JOB_ID")
		rawIndex = os.Getenv("SGE_TASK_ID")
		offset = 1
	}
	if id == "" || rawIndex == "" {
		return "", 0, fmt.Errorf("%s and %s must be set", services.EnvBatchID, services.EnvTaskIndex)
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		return "", 0, fmt.Errorf("invalid task index %q: %w", rawIndex, err)
	}
	return domain.BatchID(id), index - offset, nil
}

func newTaskCommand(d *cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:    "task <stage-dir>",
		Short:  "Run one task of a submitted batch (invoked by the scheduler)",
		Args:   cobra.ExactArgs(1),
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, index, err := taskIdentity()
			if err != nil {
				return err
			}
			e, sd, err := d.stageEnv(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.taskRunner().Run(cmd.Context(), sd, id, index)
		},
	}
}
