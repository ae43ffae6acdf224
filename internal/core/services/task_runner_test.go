package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/fsledger"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

func TestAssign_CoversEveryPairOnce(t *testing.T) {
	items := []domain.WorkItem{"a", "b", "c"}
	const multiplicity = 4

	seen := map[domain.Assignment]bool{}
	for i := 0; i < len(items)*multiplicity; i++ {
		a, err := Assign(items, multiplicity, i)
		require.NoError(t, err)
		assert.Equal(t, i, a.TaskIndex)
		key := domain.Assignment{Item: a.Item, Variant: a.Variant}
		assert.False(t, seen[key], "duplicate assignment %v", key)
		seen[key] = true
	}
	assert.Len(t, seen, len(items)*multiplicity)

	a, err := Assign(items, multiplicity, 4)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItem("b"), a.Item)
	assert.Equal(t, 1, a.Variant)
}

func TestAssign_Errors(t *testing.T) {
	_, err := Assign(nil, 1, 0)
	assert.Error(t, err)

	_, err = Assign([]domain.WorkItem{"a"}, 2, 2)
	assert.Error(t, err)

	_, err = Assign([]domain.WorkItem{"a"}, 2, -1)
	assert.Error(t, err)
}

type recordedCommand struct {
	dir     string
	logPath string
	argv    []string
}

type commandRecorder struct {
	mu    sync.Mutex
	calls []recordedCommand
	err   error
}

func (c *commandRecorder) run(ctx context.Context, dir, logPath string, argv []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCommand{dir: dir, logPath: logPath, argv: argv})
	return c.err
}

func argValue(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func TestTaskRunner_EngineCommand(t *testing.T) {
	root := newWorkspace(t)
	logger := testLogger()
	graph := NewStageGraph(logger)
	ws := NewWorkspaceManager(logger, graph, ".pdb.gz")
	runner := NewTaskRunner(logger, fsledger.NewLedger(logger), graph, ws, "")

	t.Run("build", func(t *testing.T) {
		sd := domain.NewStageDir(root, domain.BuildStage())
		batch := domain.JobBatch{Items: []domain.WorkItem{InputStructureFile}, Multiplicity: 10}
		argv := runner.EngineCommand(sd, batch, domain.Assignment{TaskIndex: 7, Item: InputStructureFile, Variant: 7})

		assert.Equal(t, "rosetta_scripts", argv[0])
		assert.Equal(t, filepath.Join(root, InputStructureFile), argValue(argv, "-in:file:s"))
		assert.Equal(t, filepath.Join(root, InputStructureFile), argValue(argv, "-in:file:native"))
		assert.Equal(t, sd.OutputDir()+string(filepath.Separator), argValue(argv, "-out:prefix"))
		assert.Equal(t, "_007", argValue(argv, "-out:suffix"))
		assert.Equal(t, filepath.Join(root, "build_models.xml"), argValue(argv, "-parser:protocol"))
		assert.Contains(t, argv, "loop_file="+filepath.Join(root, LoopsFile))
		assert.Equal(t, filepath.Join(root, ResfileFile), argValue(argv, "-packing:resfile"))
		assert.Equal(t, []string{"@", filepath.Join(root, FlagsFile)}, argv[len(argv)-2:])
	})

	t.Run("design has no loops", func(t *testing.T) {
		sd := domain.NewStageDir(root, domain.DesignStage(1))
		argv := runner.EngineCommand(sd, domain.JobBatch{}, domain.Assignment{Item: "0003.pdb.gz"})

		assert.Equal(t, filepath.Join(sd.InputDir(), "0003.pdb.gz"), argValue(argv, "-in:file:s"))
		for _, a := range argv {
			assert.NotContains(t, a, "loop_file=")
		}
		assert.Contains(t, argv, "-packing:resfile")
	})

	t.Run("validate writes per design", func(t *testing.T) {
		sd := domain.NewStageDir(root, domain.ValidateStage(1))
		argv := runner.EngineCommand(sd, domain.JobBatch{TestRun: true}, domain.Assignment{Item: "0003.pdb.gz"})

		assert.Equal(t, filepath.Join(sd.OutputDir(), "0003")+string(filepath.Separator), argValue(argv, "-out:prefix"))
		assert.Contains(t, argv, "fast=yes")
		assert.NotContains(t, argv, "-packing:resfile")
	})
}

func TestTaskRunner_Run(t *testing.T) {
	root := newWorkspace(t)
	logger := testLogger()
	ctx := context.Background()
	graph := NewStageGraph(logger)
	ws := NewWorkspaceManager(logger, graph, ".pdb.gz")
	repo := fsledger.NewLedger(logger)

	sd := domain.NewStageDir(root, domain.ValidateStage(2))
	_, err := ws.PrepareStage(sd)
	require.NoError(t, err)
	batch := domain.JobBatch{
		ID:           "31",
		Items:        []domain.WorkItem{"0000.pdb.gz", "0001.pdb.gz"},
		Multiplicity: 2,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.CreateBatch(ctx, sd, batch))

	rec := &commandRecorder{}
	runner := NewTaskRunner(logger, repo, graph, ws, "engine").WithCommandFunc(rec.run)

	require.NoError(t, runner.Run(ctx, sd, "31", 3))
	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, root, call.dir)
	assert.Equal(t, filepath.Join(sd.LogDir(), "31.3.log"), call.logPath)
	assert.Equal(t, filepath.Join(sd.InputDir(), "0001.pdb.gz"), argValue(call.argv, "-in:file:s"))
	assert.Equal(t, "_001", argValue(call.argv, "-out:suffix"))
	assert.DirExists(t, filepath.Join(sd.OutputDir(), "0001"))

	assert.Error(t, runner.Run(ctx, sd, "31", 4))

	assert.ErrorIs(t, runner.Run(ctx, sd, "nope", 0), domain.ErrBatchNotFound)

	rec.err = errors.New("exit status 1")
	assert.ErrorContains(t, runner.Run(ctx, sd, "31", 0), "0000.pdb.gz")
}
