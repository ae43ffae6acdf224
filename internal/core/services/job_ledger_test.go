package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Kortemme-Lab/pull-into-place/internal/adapters/fsledger"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Reserve(ctx context.Context, spec domain.BatchSpec) (domain.BatchID, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(domain.BatchID), args.Error(1)
}

func (m *MockScheduler) Release(ctx context.Context, id domain.BatchID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScheduler) Cancel(ctx context.Context, id domain.BatchID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// conflictingLedger loses every claim race.
type conflictingLedger struct {
	*fsledger.Ledger
}

func (c conflictingLedger) CreateBatch(ctx context.Context, stage domain.StageDir, batch domain.JobBatch) error {
	return fmt.Errorf("%w: raced by another submission", domain.ErrClaimConflict)
}

// fakeCache is an in-memory MetricCache.
type fakeCache struct {
	dirs    map[string]map[string]domain.MetricRecord
	cleared []string
	loadErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{dirs: map[string]map[string]domain.MetricRecord{}}
}

func (c *fakeCache) LoadMetrics(ctx context.Context, dir string) (map[string]domain.MetricRecord, error) {
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	out := map[string]domain.MetricRecord{}
	for k, v := range c.dirs[dir] {
		out[k] = v
	}
	return out, nil
}

func (c *fakeCache) SaveMetrics(ctx context.Context, dir string, records []domain.MetricRecord) error {
	if c.dirs[dir] == nil {
		c.dirs[dir] = map[string]domain.MetricRecord{}
	}
	for _, r := range records {
		// Same encoding constraint as the DuckDB cache.
		if _, err := json.Marshal(r.Metrics); err != nil {
			return err
		}
		c.dirs[dir][r.Path] = r
	}
	return nil
}

func (c *fakeCache) ClearMetrics(ctx context.Context, dir string) error {
	c.cleared = append(c.cleared, dir)
	delete(c.dirs, dir)
	return nil
}

type ledgerFixture struct {
	root      string
	sched     *MockScheduler
	cache     *fakeCache
	workspace *WorkspaceManager
	ledger    *JobLedger
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	root := newWorkspace(t)
	logger := testLogger()
	graph := NewStageGraph(logger)
	ws := NewWorkspaceManager(logger, graph, ".pdb.gz")
	sched := new(MockScheduler)
	cache := newFakeCache()
	return &ledgerFixture{
		root:      root,
		sched:     sched,
		cache:     cache,
		workspace: ws,
		ledger:    NewJobLedger(logger, fsledger.NewLedger(logger), sched, ws, cache),
	}
}

// designStage creates a design stage with n advanced inputs.
func (f *ledgerFixture) designStage(t *testing.T, n int) (domain.StageDir, []domain.WorkItem) {
	t.Helper()
	sd := domain.NewStageDir(f.root, domain.DesignStage(1))
	var items []domain.WorkItem
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%04d.pdb.gz", i)
		writeFile(t, filepath.Join(sd.InputDir(), name), name)
		items = append(items, domain.WorkItem(name))
	}
	return sd, items
}

func TestJobLedger_BuildStageHasOneItem(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd := domain.NewStageDir(f.root, domain.BuildStage())

	f.sched.On("Reserve", mock.Anything, mock.MatchedBy(func(spec domain.BatchSpec) bool {
		return spec.TaskCount == 100 && spec.Limits == domain.DefaultResourceLimits(domain.StageKindBuild)
	})).Return(domain.BatchID("4242"), nil).Once()
	f.sched.On("Release", mock.Anything, domain.BatchID("4242")).Return(nil).Once()

	batch, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 100})
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkItem{InputStructureFile}, batch.Items)
	assert.DirExists(t, sd.LogDir())

	_, err = f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 100})
	assert.ErrorIs(t, err, domain.ErrNothingToSubmit)
	f.sched.AssertExpectations(t)
}

func TestJobLedger_DisjointSubmissions(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, items := f.designStage(t, 4)

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("1"), nil).Once()
	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("2"), nil).Once()
	f.sched.On("Release", mock.Anything, mock.Anything).Return(nil)

	_, err := f.ledger.Submit(ctx, sd, items[:2], SubmitOptions{Multiplicity: 3})
	require.NoError(t, err)

	unclaimed, err := f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Equal(t, items[2:], unclaimed)

	_, err = f.ledger.Submit(ctx, sd, items[2:], SubmitOptions{Multiplicity: 3})
	require.NoError(t, err)

	unclaimed, err = f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Empty(t, unclaimed)

	batches, err := f.ledger.Batches(ctx, sd)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, domain.BatchID("1"), batches[0].ID)
	assert.Equal(t, domain.BatchID("2"), batches[1].ID)

	// Re-submitting a claimed item never reaches the scheduler.
	_, err = f.ledger.Submit(ctx, sd, items[:1], SubmitOptions{Multiplicity: 1})
	assert.ErrorIs(t, err, domain.ErrClaimConflict)
	f.sched.AssertNumberOfCalls(t, "Reserve", 2)
}

func TestJobLedger_SubmitValidation(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, items := f.designStage(t, 1)

	_, err := f.ledger.Submit(ctx, sd, nil, SubmitOptions{Multiplicity: 1})
	assert.ErrorIs(t, err, domain.ErrNothingToSubmit)

	_, err = f.ledger.Submit(ctx, sd, items, SubmitOptions{Multiplicity: 0})
	assert.Error(t, err)

	_, err = f.ledger.Submit(ctx, sd, []domain.WorkItem{"9999.pdb.gz"}, SubmitOptions{Multiplicity: 1})
	assert.ErrorIs(t, err, domain.ErrClaimConflict)

	f.sched.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything)
}

func TestJobLedger_ReserveFailureLeavesItemsUnclaimed(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, items := f.designStage(t, 3)

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID(""), errors.New("qsub: queue disabled"))

	_, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 1})
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Claimed)
	assert.ErrorIs(t, err, domain.ErrSubmission)

	unclaimed, err := f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Equal(t, items, unclaimed)
	f.sched.AssertNotCalled(t, "Cancel", mock.Anything, mock.Anything)
	f.sched.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestJobLedger_LostClaimRaceCancelsHeldBatch(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, items := f.designStage(t, 2)
	logger := testLogger()
	f.ledger = NewJobLedger(logger, conflictingLedger{fsledger.NewLedger(logger)}, f.sched, f.workspace, f.cache)

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("77"), nil)
	f.sched.On("Cancel", mock.Anything, domain.BatchID("77")).Return(nil).Once()

	_, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 1})
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Claimed)
	assert.ErrorIs(t, err, domain.ErrClaimConflict)

	unclaimed, err := f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Equal(t, items, unclaimed)
	f.sched.AssertExpectations(t)
	f.sched.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestJobLedger_ReleaseFailureKeepsClaim(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, _ := f.designStage(t, 2)

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("9"), nil)
	f.sched.On("Release", mock.Anything, domain.BatchID("9")).Return(errors.New("qrls: permission denied"))

	batch, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 1})
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Claimed)
	assert.Equal(t, domain.BatchID("9"), batch.ID)

	unclaimed, err := f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Empty(t, unclaimed)
}

func TestJobLedger_TestRunCapsTasksAndRuntime(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, _ := f.designStage(t, 10)

	f.sched.On("Reserve", mock.Anything, mock.MatchedBy(func(spec domain.BatchSpec) bool {
		return spec.TestRun &&
			spec.TaskCount == domain.TestRunMaxTasks &&
			spec.Limits.MaxRuntime == domain.TestRunMaxRuntime &&
			spec.Limits.MaxMemory == "4G"
	})).Return(domain.BatchID("t1"), nil)
	f.sched.On("Release", mock.Anything, domain.BatchID("t1")).Return(nil)

	batch, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{
		Multiplicity: 10,
		Limits:       domain.ResourceLimits{MaxRuntime: "48:00:00", MaxMemory: "4G"},
		TestRun:      true,
	})
	require.NoError(t, err)
	assert.Len(t, batch.Items, 10)
	assert.Equal(t, domain.TestRunMaxTasks, batch.TaskCount())
	f.sched.AssertExpectations(t)
}

func TestJobLedger_DefaultLimitsFollowSettings(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd, _ := f.designStage(t, 1)

	settings := domain.DefaultSettings()
	settings.Limits[domain.StageKindDesign] = domain.ResourceLimits{MaxRuntime: "2:00:00", MaxMemory: "3G"}
	f.ledger.UseSettings(settings)

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("s1"), nil)
	f.sched.On("Release", mock.Anything, mock.Anything).Return(nil)

	batch, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 1, Limits: domain.ResourceLimits{MaxMemory: "8G"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceLimits{MaxRuntime: "2:00:00", MaxMemory: "8G"}, batch.Limits)
}

func TestJobLedger_Clear(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	sd := domain.NewStageDir(f.root, domain.ValidateStage(1))
	writeFile(t, filepath.Join(sd.InputDir(), "0000.pdb.gz"), "x")

	f.sched.On("Reserve", mock.Anything, mock.Anything).Return(domain.BatchID("c1"), nil)
	f.sched.On("Release", mock.Anything, mock.Anything).Return(nil)
	_, err := f.ledger.SubmitBatch(ctx, sd, SubmitOptions{Multiplicity: 2})
	require.NoError(t, err)

	writeFile(t, filepath.Join(sd.OutputDir(), "0000", "0000_001.pdb.gz"), "x")
	writeFile(t, filepath.Join(sd.OutputDir(), "0000", "0000_002.pdb.gz"), "x")
	writeFile(t, filepath.Join(sd.LogDir(), "c1.0.log"), "x")

	report, err := f.ledger.Clear(ctx, sd)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Artifacts)
	assert.ElementsMatch(t, []string{sd.OutputDir(), filepath.Join(sd.OutputDir(), "0000")}, f.cache.cleared)

	unclaimed, err := f.ledger.UnclaimedItems(ctx, sd)
	require.NoError(t, err)
	assert.Equal(t, []domain.WorkItem{"0000.pdb.gz"}, unclaimed)
	assert.FileExists(t, filepath.Join(sd.InputDir(), "0000.pdb.gz"))
}
