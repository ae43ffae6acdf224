package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Ledger backends.
const (
	LedgerFS     = "fs"
	LedgerDuckDB = "duckdb"
)

// Scheduler backends.
const (
	SchedulerSGE    = "sge"
	SchedulerDocker = "docker"
	SchedulerLocal  = "local"
)

// Config is the process configuration read from the environment.
type Config struct {
	DBPath        string
	Ledger        string
	Scheduler     string
	Engine        string
	DockerImage   string
	MaxConcurrent int64
	LogLevel      slog.Level
	ArtifactExt   string
}

// Load reads PIP_* environment variables. root is the workspace root and
// anchors the default database location.
func Load(root string) (*Config, error) {
	cfg := &Config{
		DBPath:      getenv("PIP_DB_PATH", filepath.Join(root, "pip.duckdb")),
		Ledger:      getenv("PIP_LEDGER", LedgerFS),
		Scheduler:   os.Getenv("PIP_SCHEDULER"),
		Engine:      getenv("PIP_ENGINE", "rosetta_scripts"),
		DockerImage: getenv("PIP_DOCKER_IMAGE", "pull-into-place:latest"),
		ArtifactExt: os.Getenv("PIP_ARTIFACT_EXT"),
	}

	switch cfg.Ledger {
	case LedgerFS, LedgerDuckDB:
	default:
		return nil, fmt.Errorf("PIP_LEDGER must be %q or %q (got %q)", LedgerFS, LedgerDuckDB, cfg.Ledger)
	}
	switch cfg.Scheduler {
	case "", SchedulerSGE, SchedulerDocker, SchedulerLocal:
	default:
		return nil, fmt.Errorf("unknown PIP_SCHEDULER %q", cfg.Scheduler)
	}

	if raw := os.Getenv("PIP_MAX_CONCURRENT"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("PIP_MAX_CONCURRENT must be a positive integer (got %q)", raw)
		}
		cfg.MaxConcurrent = n
	}

	if raw := os.Getenv("PIP_LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.ToUpper(raw))); err != nil {
			return nil, fmt.Errorf("invalid PIP_LOG_LEVEL %q: %w", raw, err)
		}
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
