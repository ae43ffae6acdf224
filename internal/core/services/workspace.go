package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// WorkspaceManager owns the on-disk layout of stage directories.
type WorkspaceManager struct {
	logger      *slog.Logger
	graph       *StageGraph
	artifactExt string
}

func NewWorkspaceManager(logger *slog.Logger, graph *StageGraph, artifactExt string) *WorkspaceManager {
	if artifactExt == "" {
		artifactExt = domain.DefaultSettings().ArtifactExt
	}
	return &WorkspaceManager{
		logger:      logger,
		graph:       graph,
		artifactExt: artifactExt,
	}
}

// ArtifactExt is the extension of structure files the engine produces.
func (s *WorkspaceManager) ArtifactExt() string { return s.artifactExt }

// PrepareStage creates the directory structure of a stage.
// Path: root/NN_kind[_round_R]/{inputs,outputs,logs}
func (s *WorkspaceManager) PrepareStage(sd domain.StageDir) (string, error) {
	if err := sd.Stage.Validate(); err != nil {
		return "", err
	}
	for _, dir := range []string{sd.Path(), sd.InputDir(), sd.OutputDir(), sd.LogDir()} {
		if err := s.ensureDir(dir); err != nil {
			return "", err
		}
	}
	s.logger.Info("stage prepared", "stage", sd.Stage.String(), "path", sd.Path())
	return sd.Path(), nil
}

func (s *WorkspaceManager) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create stage directory: %w", err)
	}
	return nil
}

// InputPath is where a work item of the stage lives on disk.
func (s *WorkspaceManager) InputPath(sd domain.StageDir, item domain.WorkItem) string {
	if sd.Stage.Kind == domain.StageKindBuild {
		return s.graph.FindPath(sd, string(item))
	}
	return filepath.Join(sd.InputDir(), string(item))
}

// OutputDirFor is where the artifacts produced from item are written.
// Validation keeps each design's models in their own subdirectory.
func (s *WorkspaceManager) OutputDirFor(sd domain.StageDir, item domain.WorkItem) string {
	if sd.Stage.Kind == domain.StageKindValidate {
		return filepath.Join(sd.OutputDir(), s.Stem(string(item)))
	}
	return sd.OutputDir()
}

// OutputDirs lists every directory of the stage that may hold artifacts.
func (s *WorkspaceManager) OutputDirs(sd domain.StageDir) ([]string, error) {
	dirs := []string{sd.OutputDir()}
	entries, err := os.ReadDir(sd.OutputDir())
	if err != nil {
		if os.IsNotExist(err) {
			return dirs, nil
		}
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(sd.OutputDir(), e.Name()))
		}
	}
	return dirs, nil
}

// Stem strips the artifact extension from a basename.
func (s *WorkspaceManager) Stem(name string) string {
	return strings.TrimSuffix(filepath.Base(name), s.artifactExt)
}

// ListArtifacts returns the sorted basenames of artifacts directly in dir.
// A missing directory holds no artifacts.
func (s *WorkspaceManager) ListArtifacts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), s.artifactExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ClearOutputs removes everything the stage's tasks produced and reports how
// many entries were deleted. The directories themselves are kept.
func (s *WorkspaceManager) ClearOutputs(sd domain.StageDir) (int, error) {
	removed := 0
	for _, dir := range []string{sd.OutputDir(), sd.LogDir()} {
		n, err := s.clearDir(dir)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// ClearInputs removes every advanced input of the stage.
func (s *WorkspaceManager) ClearInputs(sd domain.StageDir) (int, error) {
	return s.clearDir(sd.InputDir())
}

func (s *WorkspaceManager) clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
