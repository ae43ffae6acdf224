package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// SelectOptions control a selection run.
type SelectOptions struct {
	DryRun bool
	// Recalc ignores cached metrics and rereads every artifact.
	Recalc bool
}

// ResultSelector picks the best results of a stage and links them into the
// inputs of the stage that follows it.
type ResultSelector struct {
	logger    *slog.Logger
	workspace *WorkspaceManager
	loader    *RecordLoader
}

func NewResultSelector(logger *slog.Logger, workspace *WorkspaceManager, loader *RecordLoader) *ResultSelector {
	return &ResultSelector{
		logger:    logger,
		workspace: workspace,
		loader:    loader,
	}
}

var inputIDPattern = regexp.MustCompile(`^(\d+)`)

type linkedInputs struct {
	nextID  int
	sources map[string]struct{}
}

// scanInputs finds the highest id already used in dir and the canonical
// location of every artifact linked there.
func (s *ResultSelector) scanInputs(dir string) (linkedInputs, error) {
	state := linkedInputs{sources: map[string]struct{}{}}
	names, err := s.workspace.ListArtifacts(dir)
	if err != nil {
		return state, err
	}
	maxID := -1
	for _, name := range names {
		if m := inputIDPattern.FindStringSubmatch(name); m != nil {
			if id, err := strconv.Atoi(m[1]); err == nil && id > maxID {
				maxID = id
			}
		}
		state.sources[canonicalPath(filepath.Join(dir, name))] = struct{}{}
	}
	state.nextID = maxID + 1
	return state, nil
}

// canonicalPath resolves symlinks so that an artifact is recognised however
// it was linked. Dangling links resolve to their literal target.
func canonicalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		if abs, err := filepath.Abs(resolved); err == nil {
			return abs
		}
		return resolved
	}
	if target, err := os.Readlink(path); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		return filepath.Clean(target)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Advance links selected records into the inputs of target under sequential
// ids continuing after the highest id present. Artifacts already linked there
// are skipped and counted. A dry run reports the same ids without linking.
func (s *ResultSelector) Advance(ctx context.Context, selected []domain.MetricRecord, target domain.StageDir, dryRun bool) ([]domain.AdvancedRecord, int, error) {
	if err := target.Stage.Validate(); err != nil {
		return nil, 0, err
	}
	inputDir := target.InputDir()
	state, err := s.scanInputs(inputDir)
	if err != nil {
		return nil, 0, err
	}
	if !dryRun && len(selected) > 0 {
		if err := s.workspace.ensureDir(inputDir); err != nil {
			return nil, 0, err
		}
	}

	var advanced []domain.AdvancedRecord
	skipped := 0
	for _, r := range selected {
		if err := ctx.Err(); err != nil {
			return advanced, skipped, err
		}
		src, err := filepath.Abs(r.FullPath())
		if err != nil {
			return advanced, skipped, fmt.Errorf("failed to make %q absolute: %w", r.FullPath(), err)
		}
		canon := canonicalPath(src)
		if _, dup := state.sources[canon]; dup {
			skipped++
			continue
		}

		link := filepath.Join(inputDir, fmt.Sprintf("%04d%s", state.nextID, s.workspace.ArtifactExt()))
		if !dryRun {
			rel, err := filepath.Rel(inputDir, src)
			if err != nil {
				rel = src
			}
			if err := os.Symlink(rel, link); err != nil {
				return advanced, skipped, fmt.Errorf("failed to link %s: %w", src, err)
			}
		}
		advanced = append(advanced, domain.AdvancedRecord{ID: state.nextID, Source: src, Link: link})
		state.sources[canon] = struct{}{}
		state.nextID++
	}
	return advanced, skipped, nil
}

// SelectAndAdvance loads the results of target's predecessor, filters them
// by the pick rules and advances the survivors. Rules are checked against the
// loaded metric names before anything on disk changes.
func (s *ResultSelector) SelectAndAdvance(ctx context.Context, target domain.StageDir, rules domain.PickRules, opts SelectOptions) (domain.SelectionReport, error) {
	report := domain.SelectionReport{Target: target, DryRun: opts.DryRun}

	if err := rules.Validate(); err != nil {
		return report, fmt.Errorf("invalid pick rules: %w", err)
	}
	source, ok := s.workspace.graph.Predecessor(target)
	if !ok {
		return report, fmt.Errorf("%s has no predecessor to pick results from", target.Stage)
	}
	thresholds, err := CompileThresholds(rules.Threshold)
	if err != nil {
		return report, err
	}
	objectives := rules.Objectives()

	dirs, err := s.workspace.OutputDirs(source)
	if err != nil {
		return report, err
	}
	var batches []loaded
	var records []domain.MetricRecord
	for _, dir := range dirs {
		ld, err := s.loader.collect(ctx, dir, !opts.Recalc)
		if err != nil {
			return report, err
		}
		batches = append(batches, ld)
		records = append(records, ld.records...)
		report.Load = append(report.Load, ld.report)
	}
	report.TotalConsidered = len(records)

	if len(records) > 0 {
		var requested []string
		for _, t := range thresholds {
			requested = append(requested, t.Metrics()...)
		}
		for _, obj := range objectives {
			requested = append(requested, obj.Name)
		}
		valid := domain.MetricNames(records)
		if err := CheckMetricNames(requested, valid); err != nil {
			return report, err
		}
	}

	for _, ld := range batches {
		if err := s.loader.persist(ctx, ld); err != nil {
			return report, err
		}
	}

	filtered, err := ApplyThresholds(records, thresholds)
	if err != nil {
		return report, err
	}
	report.ThresholdRejected = filtered.Rejected
	report.MissingMetric = filtered.MissingMetric

	unique, dups, missing := DeduplicateByIdentity(filtered.Kept)
	report.DuplicateContent = dups
	report.MissingMetric += missing

	picked := unique
	if len(objectives) > 0 {
		complete := make([]domain.MetricRecord, 0, len(unique))
		for _, r := range unique {
			if hasObjectives(r, objectives) {
				complete = append(complete, r)
			} else {
				report.MissingMetric++
			}
		}
		picked, report.EpsilonWidths = ParetoFront(complete, objectives, ParetoOptions{
			Depth:   rules.Depth,
			Epsilon: rules.Epsilon,
			Widths:  rules.EpsilonWidths,
		})
		report.NotOnFront = len(complete) - len(picked)
	}
	if report.MissingMetric > 0 {
		s.logger.Warn("dropped records missing required metrics", "count", report.MissingMetric)
	}

	advanced, skipped, err := s.Advance(ctx, picked, target, opts.DryRun)
	report.Selected = advanced
	report.DuplicatesSkipped = skipped
	if err != nil {
		return report, err
	}

	s.logger.Info("results advanced",
		"target", target.Stage.String(),
		"considered", report.TotalConsidered,
		"threshold_rejected", report.ThresholdRejected,
		"missing_metric", report.MissingMetric,
		"duplicate_content", report.DuplicateContent,
		"not_on_front", report.NotOnFront,
		"duplicates_skipped", report.DuplicatesSkipped,
		"linked", len(report.Selected),
		"dry_run", opts.DryRun,
	)
	return report, nil
}
