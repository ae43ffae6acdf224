package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/docker"
	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/duckdb"
	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/fsledger"
	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/local"
	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/scorefile"
	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/sge"
	"github.com/Kortemme-Lab/pull-into-place/internal/config"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/services"
)

type cliDeps struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// env is everything wired for one workspace.
type env struct {
	logger    *slog.Logger
	cfg       *config.Config
	root      string
	graph     *services.StageGraph
	db        *duckdb.Repository
	settings  *config.SettingsStore
	workspace *services.WorkspaceManager
	repo      ports.BatchRepository
}

// resolve finds the workspace a path belongs to. Paths outside any stage
// directory are taken to be the workspace root itself.
func (d *cliDeps) resolve(path string) (string, *domain.StageDir, error) {
	graph := services.NewStageGraph(d.logger)
	sd, ok, err := graph.TryResolve(path)
	if err != nil {
		return "", nil, err
	}
	if ok {
		return sd.Root, &sd, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return abs, nil, nil
}

// open wires the adapters for root. The database is only opened when the
// command needs the metric cache or settings, or when it holds the ledger:
// cluster tasks on the file ledger never touch it.
func (d *cliDeps) open(ctx context.Context, root string, withDB bool) (*env, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d.level.Set(cfg.LogLevel)

	e := &env{
		logger: d.logger,
		cfg:    cfg,
		root:   root,
		graph:  services.NewStageGraph(d.logger),
	}

	if withDB || cfg.Ledger == config.LedgerDuckDB {
		e.db, err = duckdb.NewRepository(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init repository: %w", err)
		}
		e.settings, err = config.NewSettingsStore(ctx, d.logger, e.db)
		if err != nil {
			e.db.Close()
			return nil, fmt.Errorf("failed to init settings store: %w", err)
		}
	}

	ext := cfg.ArtifactExt
	if ext == "" && e.settings != nil {
		ext = e.settings.Settings().ArtifactExt
	}
	e.workspace = services.NewWorkspaceManager(d.logger, e.graph, ext)

	if cfg.Ledger == config.LedgerDuckDB {
		e.repo = e.db
	} else {
		e.repo = fsledger.NewLedger(d.logger)
	}
	return e, nil
}

func (e *env) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

func (e *env) cache() ports.MetricCache {
	if e.db == nil {
		return nil
	}
	return e.db
}

func (e *env) taskRunner() *services.TaskRunner {
	return services.NewTaskRunner(e.logger, e.repo, e.graph, e.workspace, e.cfg.Engine)
}

func (e *env) schedulerName() string {
	if e.cfg.Scheduler != "" {
		return e.cfg.Scheduler
	}
	if e.settings != nil && e.settings.Settings().Scheduler != "" {
		return e.settings.Settings().Scheduler
	}
	return config.SchedulerSGE
}

func (e *env) scheduler() (ports.Scheduler, error) {
	switch name := e.schedulerName(); name {
	case config.SchedulerSGE:
		worker, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
		return sge.NewScheduler(e.logger, worker), nil
	case config.SchedulerDocker:
		return docker.NewManager(e.logger, e.cfg.DockerImage, "pip")
	case config.SchedulerLocal:
		runner := e.taskRunner()
		return local.NewScheduler(e.logger, local.Config{MaxConcurrentTasks: e.cfg.MaxConcurrent}, runner.Run), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

func (e *env) jobLedger() (*services.JobLedger, error) {
	sched, err := e.scheduler()
	if err != nil {
		return nil, err
	}
	ledger := services.NewJobLedger(e.logger, e.repo, sched, e.workspace, e.cache())
	if e.settings != nil {
		ledger.UseSettings(e.settings.Settings())
		e.settings.OnChange(ledger.UseSettings)
	}
	return ledger, nil
}

func (e *env) recordLoader() *services.RecordLoader {
	return services.NewRecordLoader(e.logger, e.cache(), scorefile.NewReader(), e.workspace)
}

func (e *env) resultSelector() *services.ResultSelector {
	return services.NewResultSelector(e.logger, e.workspace, e.recordLoader())
}
