package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/services"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Faint(true).Width(22)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

type row struct {
	key   string
	value string
}

func kv(key string, value any) row { return row{key: key, value: fmt.Sprint(value)} }

// counted styles a count that means something was skipped or dropped.
func counted(n int) string {
	if n == 0 {
		return fmt.Sprint(n)
	}
	return warnStyle.Render(fmt.Sprint(n))
}

func renderPanel(w io.Writer, title string, rows []row, extra ...string) {
	lines := []string{titleStyle.Render(title)}
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(r.key), r.value))
	}
	lines = append(lines, extra...)
	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func renderStage(w io.Writer, graph *services.StageGraph, sd domain.StageDir) {
	rows := []row{
		kv("stage", sd.Stage),
		kv("directory", sd.Path()),
		kv("workspace", sd.Root),
	}
	if prev, ok := graph.Predecessor(sd); ok {
		rows = append(rows, kv("predecessor", prev.Path()))
	}
	rows = append(rows, kv("successor", graph.Successor(sd).Path()))
	renderPanel(w, "stage", rows)
}

func renderCheck(w io.Writer, sd domain.StageDir, required []string, missing map[string]bool) {
	var lines []string
	for _, p := range required {
		status := goodStyle.Render("ok     ")
		if missing[p] {
			status = badStyle.Render("missing")
		}
		lines = append(lines, status+" "+p)
	}
	renderPanel(w, "inputs of "+sd.Stage.String(), nil, lines...)
}

func renderUnclaimed(w io.Writer, sd domain.StageDir, all, unclaimed []domain.WorkItem, batches []domain.JobBatch) {
	rows := []row{
		kv("inputs", len(all)),
		kv("claimed", len(all)-len(unclaimed)),
		kv("unclaimed", len(unclaimed)),
		kv("batches", len(batches)),
	}
	extra := make([]string, 0, len(unclaimed))
	for _, item := range unclaimed {
		extra = append(extra, "  "+string(item))
	}
	renderPanel(w, "work items of "+sd.Stage.String(), rows, extra...)
}

func renderSubmit(w io.Writer, sd domain.StageDir, batch domain.JobBatch, cleared *domain.ClearReport) {
	var rows []row
	if cleared != nil {
		rows = append(rows,
			kv("batches cleared", cleared.Batches),
			kv("artifacts removed", cleared.Artifacts),
		)
	}
	rows = append(rows,
		kv("batch", batch.ID),
		kv("items", len(batch.Items)),
		kv("multiplicity", batch.Multiplicity),
		kv("tasks", batch.TaskCount()),
		kv("max runtime", batch.Limits.MaxRuntime),
		kv("max memory", batch.Limits.MaxMemory),
	)
	if batch.TestRun {
		rows = append(rows, kv("test run", warnStyle.Render("yes")))
	}
	renderPanel(w, "submitted "+sd.Stage.String(), rows)
}

func renderClear(w io.Writer, sd domain.StageDir, report domain.ClearReport) {
	renderPanel(w, "cleared "+sd.Stage.String(), []row{
		kv("batches forgotten", report.Batches),
		kv("artifacts removed", report.Artifacts),
	})
}

func renderLoad(w io.Writer, report domain.LoadReport, records []domain.MetricRecord) {
	rows := []row{
		kv("directory", report.Dir),
		kv("records", len(records)),
		kv("from cache", report.CachedRecords),
		kv("newly read", report.NewRecords),
		kv("unreadable", counted(report.Unreadable)),
		kv("non-finite values", counted(report.NonFinite)),
	}
	if report.CacheCorrupt {
		rows = append(rows, kv("cache", badStyle.Render("corrupt, rebuilt")))
	}
	names := domain.MetricNames(records)
	rows = append(rows, kv("metrics", strings.Join(names, ", ")))
	renderPanel(w, "metrics", rows)
}

func renderCachedDirs(w io.Writer, dirs map[string]int) {
	keys := make([]string, 0, len(dirs))
	for dir := range dirs {
		keys = append(keys, dir)
	}
	sort.Strings(keys)
	rows := make([]row, 0, len(keys))
	for _, dir := range keys {
		rows = append(rows, row{key: fmt.Sprint(dirs[dir]), value: dir})
	}
	renderPanel(w, "cached directories", rows)
}

func renderSelection(w io.Writer, report domain.SelectionReport) {
	title := "advanced into " + report.Target.Stage.String()
	if report.DryRun {
		title = "dry run: " + title
	}

	cached, fresh, unreadable, nonFinite := 0, 0, 0, 0
	for _, l := range report.Load {
		cached += l.CachedRecords
		fresh += l.NewRecords
		unreadable += l.Unreadable
		nonFinite += l.NonFinite
	}

	rows := []row{
		kv("considered", report.TotalConsidered),
		kv("from cache", cached),
		kv("newly read", fresh),
		kv("unreadable", counted(unreadable)),
		kv("non-finite values", counted(nonFinite)),
		kv("missing metric", counted(report.MissingMetric)),
		kv("below threshold", counted(report.ThresholdRejected)),
		kv("duplicate sequence", counted(report.DuplicateContent)),
		kv("not on front", counted(report.NotOnFront)),
		kv("already an input", counted(report.DuplicatesSkipped)),
		kv("linked", goodStyle.Render(fmt.Sprint(len(report.Selected)))),
	}

	if len(report.EpsilonWidths) > 0 {
		names := make([]string, 0, len(report.EpsilonWidths))
		for name := range report.EpsilonWidths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rows = append(rows, kv("width "+name, fmt.Sprintf("%g", report.EpsilonWidths[name])))
		}
	}

	extra := make([]string, 0, len(report.Selected))
	for _, r := range report.Selected {
		extra = append(extra, fmt.Sprintf("  %04d  %s", r.ID, r.Source))
	}
	renderPanel(w, title, rows, extra...)
}

func renderSettings(w io.Writer, s *domain.Settings) {
	rows := []row{
		kv("artifact extension", s.ArtifactExt),
		kv("scheduler", s.Scheduler),
	}
	for _, kind := range []domain.StageKind{domain.StageKindBuild, domain.StageKindDesign, domain.StageKindValidate} {
		l := s.LimitsFor(kind)
		rows = append(rows, kv(string(kind)+" limits", l.MaxRuntime+" / "+l.MaxMemory))
	}
	renderPanel(w, "settings", rows)
}
