package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

var errNotFound = errors.New("not found")

type memoryRepo struct {
	values  map[string]string
	saveErr error
}

func (m *memoryRepo) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := m.values[key]
	if !ok {
		return "", errNotFound
	}
	return v, nil
}

func (m *memoryRepo) SaveSetting(_ context.Context, key, value string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.values[key] = value
	return nil
}

func newTestStore(t *testing.T) (*SettingsStore, *memoryRepo) {
	t.Helper()
	repo := &memoryRepo{values: map[string]string{}}
	store, err := NewSettingsStore(context.Background(), slog.New(slog.NewJSONHandler(io.Discard, nil)), repo)
	require.NoError(t, err)
	return store, repo
}

func TestSettingsStore_WritesDefaults(t *testing.T) {
	store, repo := newTestStore(t)

	assert.Equal(t, domain.DefaultSettings(), store.Settings())
	assert.Contains(t, repo.values[settingsKey], `"artifact_ext":".pdb.gz"`)

	// A second store reads what the first one saved.
	again, err := NewSettingsStore(context.Background(), slog.New(slog.NewJSONHandler(io.Discard, nil)), repo)
	require.NoError(t, err)
	assert.Equal(t, store.Settings(), again.Settings())
}

func TestSettingsStore_Update(t *testing.T) {
	store, repo := newTestStore(t)
	ctx := context.Background()

	var notified []*domain.Settings
	store.OnChange(func(s *domain.Settings) { notified = append(notified, s) })

	err := store.UpdateSettings(ctx, &domain.Settings{
		Scheduler: SchedulerLocal,
		Limits: map[domain.StageKind]domain.ResourceLimits{
			domain.StageKindDesign: {MaxRuntime: "6:00:00", MaxMemory: "4G"},
		},
	})
	require.NoError(t, err)

	got := store.Settings()
	assert.Equal(t, ".pdb.gz", got.ArtifactExt)
	assert.Equal(t, SchedulerLocal, got.Scheduler)
	assert.Equal(t, domain.ResourceLimits{MaxRuntime: "6:00:00", MaxMemory: "4G"}, got.LimitsFor(domain.StageKindDesign))
	assert.Equal(t, domain.DefaultResourceLimits(domain.StageKindBuild), got.LimitsFor(domain.StageKindBuild))
	require.Len(t, notified, 1)
	assert.Equal(t, got, notified[0])

	// Callers cannot mutate the stored settings through a returned copy.
	got.Limits[domain.StageKindDesign] = domain.ResourceLimits{}
	assert.Equal(t, "4G", store.Settings().LimitsFor(domain.StageKindDesign).MaxMemory)

	reloaded, err := NewSettingsStore(ctx, slog.New(slog.NewJSONHandler(io.Discard, nil)), repo)
	require.NoError(t, err)
	assert.Equal(t, SchedulerLocal, reloaded.Settings().Scheduler)
	assert.Equal(t, "6:00:00", reloaded.Settings().LimitsFor(domain.StageKindDesign).MaxRuntime)
}

func TestSettingsStore_UpdateRejects(t *testing.T) {
	tests := []struct {
		name   string
		update domain.Settings
	}{
		{"extension without dot", domain.Settings{ArtifactExt: "pdb"}},
		{"unknown scheduler", domain.Settings{Scheduler: "slurm"}},
		{"bad memory", domain.Settings{Limits: map[domain.StageKind]domain.ResourceLimits{
			domain.StageKindBuild: {MaxMemory: "lots"},
		}}},
		{"bad runtime", domain.Settings{Limits: map[domain.StageKind]domain.ResourceLimits{
			domain.StageKindBuild: {MaxRuntime: "90m"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore(t)
			notified := false
			store.OnChange(func(*domain.Settings) { notified = true })

			update := tt.update
			assert.Error(t, store.UpdateSettings(context.Background(), &update))
			assert.False(t, notified)
			assert.Equal(t, domain.DefaultSettings(), store.Settings())
		})
	}
}

func TestSettingsStore_SaveFailure(t *testing.T) {
	store, repo := newTestStore(t)
	repo.saveErr = errors.New("disk full")

	err := store.UpdateSettings(context.Background(), &domain.Settings{ArtifactExt: ".pdb"})
	assert.ErrorIs(t, err, repo.saveErr)
	assert.Equal(t, ".pdb.gz", store.Settings().ArtifactExt)
}
