package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

// RecordLoader reads metric records for the artifacts of a directory,
// consulting the additive cache first. Cached entries are never invalidated:
// an artifact whose content changed after it was cached keeps its old metrics
// until the cache is cleared.
type RecordLoader struct {
	logger      *slog.Logger
	cache       ports.MetricCache
	reader      ports.ScoreReader
	workspace   *WorkspaceManager
	parallelism int
}

func NewRecordLoader(logger *slog.Logger, cache ports.MetricCache, reader ports.ScoreReader, workspace *WorkspaceManager) *RecordLoader {
	return &RecordLoader{
		logger:      logger,
		cache:       cache,
		reader:      reader,
		workspace:   workspace,
		parallelism: runtime.NumCPU(),
	}
}

// loaded is a directory's records plus what still has to be written back.
type loaded struct {
	dir     string
	records []domain.MetricRecord
	fresh   []domain.MetricRecord
	report  domain.LoadReport
}

// collect gathers records without touching the cache.
func (l *RecordLoader) collect(ctx context.Context, dir string, useCache bool) (loaded, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return loaded{}, fmt.Errorf("failed to make %q absolute: %w", dir, err)
	}
	res := loaded{dir: dir, report: domain.LoadReport{Dir: dir}}

	names, err := l.workspace.ListArtifacts(dir)
	if err != nil {
		return res, err
	}

	cached := map[string]domain.MetricRecord{}
	if useCache && l.cache != nil {
		cached, err = l.cache.LoadMetrics(ctx, dir)
		if err != nil {
			l.logger.Warn("metric cache unreadable, recomputing", "dir", dir, "error", err)
			res.report.CacheCorrupt = true
			cached = map[string]domain.MetricRecord{}
		}
	}

	var uncached []string
	for _, name := range names {
		if r, ok := cached[name]; ok {
			r.Dir = dir
			res.records = append(res.records, r)
			res.report.CachedRecords++
			continue
		}
		uncached = append(uncached, name)
	}

	fresh := make([]*domain.MetricRecord, len(uncached))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, l.parallelism))
	for i, name := range uncached {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := l.reader.ReadScores(gctx, filepath.Join(dir, name))
			if err != nil {
				l.logger.Warn("skipping unreadable artifact", "path", filepath.Join(dir, name), "error", err)
				return nil
			}
			r.Path = name
			r.Dir = dir
			fresh[i] = &r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for _, r := range fresh {
		if r == nil {
			res.report.Unreadable++
			continue
		}
		if dropped := r.DropNonFinite(); len(dropped) > 0 {
			l.logger.Warn("dropping non-finite metrics", "path", r.FullPath(), "metrics", dropped)
			res.report.NonFinite++
		}
		res.records = append(res.records, *r)
		res.fresh = append(res.fresh, *r)
	}
	res.report.NewRecords = len(res.fresh)
	return res, nil
}

// persist writes freshly read records back to the cache.
func (l *RecordLoader) persist(ctx context.Context, ld loaded) error {
	if l.cache == nil || len(ld.fresh) == 0 && !ld.report.CacheCorrupt {
		return nil
	}
	if ld.report.CacheCorrupt {
		if err := l.cache.ClearMetrics(ctx, ld.dir); err != nil {
			return fmt.Errorf("failed to reset metric cache: %w", err)
		}
		if err := l.cache.SaveMetrics(ctx, ld.dir, ld.records); err != nil {
			return fmt.Errorf("failed to save metric cache: %w", err)
		}
		return nil
	}
	if err := l.cache.SaveMetrics(ctx, ld.dir, ld.fresh); err != nil {
		return fmt.Errorf("failed to save metric cache: %w", err)
	}
	return nil
}

// LoadRecords returns a record for every readable artifact in dir and caches
// the ones that were not cached yet.
func (l *RecordLoader) LoadRecords(ctx context.Context, dir string, useCache bool) ([]domain.MetricRecord, domain.LoadReport, error) {
	ld, err := l.collect(ctx, dir, useCache)
	if err != nil {
		return nil, ld.report, err
	}
	if err := l.persist(ctx, ld); err != nil {
		return nil, ld.report, err
	}
	l.logger.Info("records loaded",
		"dir", ld.report.Dir,
		"cached", ld.report.CachedRecords,
		"new", ld.report.NewRecords,
		"unreadable", ld.report.Unreadable,
	)
	return ld.records, ld.report, nil
}
