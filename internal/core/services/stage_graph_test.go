package services

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

func TestStageGraph_TryResolve(t *testing.T) {
	root := t.TempDir()
	g := NewStageGraph(testLogger())

	stages := []domain.Stage{domain.BuildStage(), domain.DesignStage(1), domain.ValidateStage(2)}
	for _, s := range stages {
		t.Run(s.DirName(), func(t *testing.T) {
			want := domain.NewStageDir(root, s)

			got, ok, err := g.TryResolve(want.Path())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got)

			// Anything below the stage directory belongs to the same stage,
			// whether or not it exists yet.
			deep := filepath.Join(want.OutputDir(), "0003", "model_001.pdb.gz")
			got, ok, err = g.TryResolve(deep)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, want, got)
		})
	}
}

func TestStageGraph_MustResolveOutsideStage(t *testing.T) {
	g := NewStageGraph(testLogger())
	_, err := g.MustResolve(t.TempDir())

	var snf *domain.StageNotFoundError
	require.ErrorAs(t, err, &snf)
	assert.ErrorIs(t, err, domain.ErrStageNotFound)
}

func TestStageGraph_FindPathPrefersStageSpecificCopy(t *testing.T) {
	root := newWorkspace(t)
	g := NewStageGraph(testLogger())
	sd := domain.NewStageDir(root, domain.DesignStage(1))

	assert.Equal(t, filepath.Join(root, ResfileFile), g.FindPath(sd, ResfileFile))

	std := writeFile(t, filepath.Join(root, "standard_params", "design_models", "scorefxn.wts"), "std")
	require.NoError(t, os.Remove(filepath.Join(root, ScoreFunctionFile)))
	assert.Equal(t, std, g.FindPath(sd, ScoreFunctionFile))

	project := writeFile(t, filepath.Join(root, "project_params", "design_models", ResfileFile), "p")
	assert.Equal(t, project, g.FindPath(sd, ResfileFile))

	local := writeFile(t, filepath.Join(sd.Path(), ResfileFile), "s")
	assert.Equal(t, local, g.FindPath(sd, ResfileFile))

	// Absent everywhere: where a project copy would be installed.
	assert.Equal(t,
		filepath.Join(root, "project_params", "design_models", "picks.yml"),
		g.FindPath(sd, "picks.yml"))
}

func TestStageGraph_CheckPaths(t *testing.T) {
	root := newWorkspace(t)
	g := NewStageGraph(testLogger())

	build := domain.NewStageDir(root, domain.BuildStage())
	require.NoError(t, g.CheckPaths(build))

	design := domain.NewStageDir(root, domain.DesignStage(1))
	err := g.CheckPaths(design)
	var mie *domain.MissingInputError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, []string{build.Path()}, mie.Paths)

	require.NoError(t, os.MkdirAll(build.Path(), 0o755))
	require.NoError(t, os.Remove(filepath.Join(root, FlagsFile)))
	require.NoError(t, os.Remove(filepath.Join(root, "design_models.xml")))
	err = g.CheckPaths(design)
	require.True(t, errors.As(err, &mie))
	assert.Len(t, mie.Paths, 2)
	assert.ErrorIs(t, err, domain.ErrPathNotFound)
}

func TestStageGraph_RequiredPathsByKind(t *testing.T) {
	root := newWorkspace(t)
	g := NewStageGraph(testLogger())

	design := g.RequiredPaths(domain.NewStageDir(root, domain.DesignStage(2)))
	assert.NotContains(t, design, filepath.Join(root, LoopsFile))
	assert.Contains(t, design, domain.NewStageDir(root, domain.ValidateStage(1)).Path())

	validate := g.RequiredPaths(domain.NewStageDir(root, domain.ValidateStage(1)))
	assert.Contains(t, validate, filepath.Join(root, LoopsFile))
}

func TestStageGraph_ResolvesRenamedStageDirs(t *testing.T) {
	root := newWorkspace(t)
	g := NewStageGraph(testLogger())
	ws := NewWorkspaceManager(testLogger(), g, ".pdb.gz")

	design := filepath.Join(root, "03_design_models_round_2")
	writeFile(t, filepath.Join(design, "inputs", "0000.pdb.gz"), "x")
	validate := filepath.Join(root, "05_validate_designs_round_1")
	require.NoError(t, os.MkdirAll(validate, 0o755))

	sd, err := g.MustResolve(filepath.Join(design, "inputs", "0000.pdb.gz"))
	require.NoError(t, err)
	assert.Equal(t, domain.DesignStage(2), sd.Stage)
	assert.Equal(t, design, sd.Path())
	assert.Equal(t, filepath.Join(design, "inputs"), sd.InputDir())

	names, err := ws.ListArtifacts(sd.InputDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"0000.pdb.gz"}, names)

	prev, ok := g.Predecessor(sd)
	require.True(t, ok)
	assert.Equal(t, validate, prev.Path())
	assert.Contains(t, g.RequiredPaths(sd), validate)

	// No directory encodes the successor yet, so it gets the canonical name.
	assert.Equal(t, filepath.Join(root, "05_validate_designs_round_2"), g.Successor(sd).Path())

	// A canonical name resolves to a plain StageDir.
	canonical := domain.NewStageDir(root, domain.BuildStage())
	got, err := g.MustResolve(canonical.Path())
	require.NoError(t, err)
	assert.Equal(t, canonical, got)
}
