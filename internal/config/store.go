package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

const settingsKey = "workspace_settings"

// SettingsRepository is the minimal DB interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(s *domain.Settings)

// SettingsStore manages the workspace settings persisted next to the metric
// cache.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	repo     SettingsRepository
	settings *domain.Settings
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, writing defaults on first use.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		repo:   repo,
	}

	s, err := store.loadFromDB(ctx)
	if err != nil {
		logger.Warn("no saved settings found, using defaults", "error", err)
		s = domain.DefaultSettings()
		if err := store.saveToDB(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to save default settings: %w", err)
		}
	}

	store.settings = s
	return store, nil
}

// OnChange registers a callback for when settings are updated.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Settings returns a copy of the current settings.
func (s *SettingsStore) Settings() *domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSettings(s.settings)
}

// UpdateSettings validates, persists, and triggers onChange callbacks.
// Limits missing from update keep their current values.
func (s *SettingsStore) UpdateSettings(ctx context.Context, update *domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneSettings(update)
	if next.ArtifactExt == "" {
		next.ArtifactExt = s.settings.ArtifactExt
	}
	if !strings.HasPrefix(next.ArtifactExt, ".") {
		return fmt.Errorf("artifact extension must start with '.' (got %q)", next.ArtifactExt)
	}
	if next.Scheduler == "" {
		next.Scheduler = s.settings.Scheduler
	}
	switch next.Scheduler {
	case SchedulerSGE, SchedulerDocker, SchedulerLocal:
	default:
		return fmt.Errorf("unknown scheduler %q", next.Scheduler)
	}
	for kind, current := range s.settings.Limits {
		if _, ok := next.Limits[kind]; !ok {
			next.Limits[kind] = current
		}
	}
	for kind, l := range next.Limits {
		if err := validateLimits(l); err != nil {
			return fmt.Errorf("invalid %s limits: %w", kind, err)
		}
	}

	if err := s.saveToDB(ctx, next); err != nil {
		return err
	}

	s.settings = next
	s.logger.Info("settings updated",
		"artifact_ext", next.ArtifactExt,
		"scheduler", next.Scheduler,
	)

	for _, fn := range s.onChange {
		fn(cloneSettings(next))
	}
	return nil
}

func validateLimits(l domain.ResourceLimits) error {
	if l.MaxMemory != "" {
		if _, err := units.RAMInBytes(l.MaxMemory); err != nil {
			return fmt.Errorf("max_memory %q: %w", l.MaxMemory, err)
		}
	}
	if l.MaxRuntime != "" {
		parts := strings.Split(l.MaxRuntime, ":")
		if len(parts) != 3 {
			return fmt.Errorf("max_runtime %q is not h:mm:ss", l.MaxRuntime)
		}
	}
	return nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.Settings, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, err
	}

	var stored storedSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	out := domain.DefaultSettings()
	if stored.ArtifactExt != "" {
		out.ArtifactExt = stored.ArtifactExt
	}
	if stored.Scheduler != "" {
		out.Scheduler = stored.Scheduler
	}
	for kind, l := range stored.Limits {
		out.Limits[domain.StageKind(kind)] = l
	}
	return out, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, settings *domain.Settings) error {
	stored := storedSettings{
		ArtifactExt: settings.ArtifactExt,
		Scheduler:   settings.Scheduler,
		Limits:      map[string]domain.ResourceLimits{},
	}
	for kind, l := range settings.Limits {
		stored.Limits[string(kind)] = l
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedSettings is the DB representation.
type storedSettings struct {
	ArtifactExt string                           `json:"artifact_ext"`
	Scheduler   string                           `json:"scheduler"`
	Limits      map[string]domain.ResourceLimits `json:"limits"`
}

func cloneSettings(in *domain.Settings) *domain.Settings {
	out := *in
	out.Limits = make(map[domain.StageKind]domain.ResourceLimits, len(in.Limits))
	for k, v := range in.Limits {
		out.Limits[k] = v
	}
	return &out
}
