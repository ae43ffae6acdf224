package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// Parameter files shared by every stage. Custom versions may be dropped into
// any of the directories FindPath searches.
const (
	InputStructureFile = "input.pdb.gz"
	LoopsFile          = "loops"
	ResfileFile        = "resfile"
	RestraintsFile     = "restraints"
	ScoreFunctionFile  = "scorefxn.wts"
	FlagsFile          = "flags"

	projectParamsDir  = "project_params"
	standardParamsDir = "standard_params"
)

// StageGraph derives stage identity from directories and knows which files a
// stage needs before it can run.
type StageGraph struct {
	logger *slog.Logger
}

func NewStageGraph(logger *slog.Logger) *StageGraph {
	return &StageGraph{logger: logger}
}

// TryResolve walks upward from path until it meets a directory whose name
// encodes a stage. Reaching the filesystem root without a match is not an
// error; it is reported through the boolean.
func (g *StageGraph) TryResolve(path string) (domain.StageDir, bool, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return domain.StageDir{}, false, fmt.Errorf("failed to make %q absolute: %w", path, err)
	}

	for {
		if stage, ok := domain.ParseStageDirName(filepath.Base(dir)); ok {
			name := filepath.Base(dir)
			return domain.NewStageDir(filepath.Dir(dir), stage).WithName(name), true, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return domain.StageDir{}, false, nil
		}
		dir = parent
	}
}

// MustResolve is TryResolve for callers that need a stage.
func (g *StageGraph) MustResolve(path string) (domain.StageDir, error) {
	sd, ok, err := g.TryResolve(path)
	if err != nil {
		return domain.StageDir{}, err
	}
	if !ok {
		return domain.StageDir{}, &domain.StageNotFoundError{Path: path}
	}
	return sd, nil
}

// Anchor places stage under root, reusing an existing directory that encodes
// the same stage under a different ordinal or focus name. The canonical name
// wins when several directories match.
func (g *StageGraph) Anchor(root string, stage domain.Stage) domain.StageDir {
	sd := domain.NewStageDir(root, stage)
	if _, err := os.Stat(sd.Path()); err == nil {
		return sd
	}
	entries, err := os.ReadDir(sd.Root)
	if err != nil {
		return sd
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if found, ok := domain.ParseStageDirName(e.Name()); ok && found == stage {
			return sd.WithName(e.Name())
		}
	}
	return sd
}

// Predecessor anchors the stage feeding sd, if any.
func (g *StageGraph) Predecessor(sd domain.StageDir) (domain.StageDir, bool) {
	prev, ok := sd.Stage.Predecessor()
	if !ok {
		return domain.StageDir{}, false
	}
	return g.Anchor(sd.Root, prev), true
}

// Successor anchors the stage fed by sd.
func (g *StageGraph) Successor(sd domain.StageDir) domain.StageDir {
	return g.Anchor(sd.Root, sd.Stage.Successor())
}

func (g *StageGraph) searchDirs(sd domain.StageDir) []string {
	focus := sd.Stage.FocusName()
	return []string{
		sd.Path(),
		filepath.Join(sd.Root, focus),
		filepath.Join(sd.Root, projectParamsDir, focus),
		sd.Root,
		filepath.Join(sd.Root, projectParamsDir),
		filepath.Join(sd.Root, standardParamsDir, focus),
		filepath.Join(sd.Root, standardParamsDir),
	}
}

// FindPath looks for a parameter file, preferring the most specific copy: the
// stage directory first and the shared standard parameters last. When no copy
// exists it returns where a project specific copy should be installed.
func (g *StageGraph) FindPath(sd domain.StageDir, basename string) string {
	for _, dir := range g.searchDirs(sd) {
		path := filepath.Join(dir, basename)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(sd.Root, projectParamsDir, sd.Stage.FocusName(), basename)
}

// ProtocolScript is the engine script run by the stage's tasks.
func (g *StageGraph) ProtocolScript(sd domain.StageDir) string {
	return g.FindPath(sd, sd.Stage.FocusName()+".xml")
}

// RequiredPaths lists everything that must exist before sd can run.
func (g *StageGraph) RequiredPaths(sd domain.StageDir) []string {
	paths := []string{
		g.FindPath(sd, InputStructureFile),
		g.FindPath(sd, ResfileFile),
		g.FindPath(sd, RestraintsFile),
		g.FindPath(sd, FlagsFile),
		g.ProtocolScript(sd),
	}
	if sd.Stage.Kind != domain.StageKindDesign {
		paths = append(paths, g.FindPath(sd, LoopsFile))
	}
	if prev, ok := g.Predecessor(sd); ok {
		paths = append(paths, prev.Path())
	}
	return paths
}

// CheckPaths fails with a MissingInputError naming every absent path.
func (g *StageGraph) CheckPaths(sd domain.StageDir) error {
	if err := sd.Stage.Validate(); err != nil {
		return err
	}
	var missing []string
	for _, path := range g.RequiredPaths(sd) {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		g.logger.Warn("stage is missing required paths", "stage", sd.Stage.String(), "missing", len(missing))
		return &domain.MissingInputError{Paths: missing}
	}
	return nil
}
