package worker

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/catalog"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/queue/boltqueue"
	"eve.evalgo.org/rerr"
	"eve.evalgo.org/runregistry"
	"eve.evalgo.org/storage"
)

type fakeLoader struct {
	c   Case
	err error
}

func (f *fakeLoader) LoadCase(ctx context.Context, casePointer string) (Case, error) {
	return f.c, f.err
}

type fakeSolver struct {
	fn func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error)
}

func (f *fakeSolver) Solve(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
	return f.fn(ctx, c, progress)
}

func silentLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type testHarness struct {
	q        *boltqueue.Queue
	store    storage.Store
	registry *runregistry.Registry
	catalog  *catalog.Catalog
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	q, err := boltqueue.NewQueue(boltqueue.Config{Path: filepath.Join(dir, "queue.db"), VisibilityTimeout: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	store, err := storage.NewBoltStore(filepath.Join(dir, "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &testHarness{
		q:        q,
		store:    store,
		registry: runregistry.New(store, 8),
		catalog:  catalog.New(store, 16),
	}
}

func (h *testHarness) newRuntime(loader CaseLoader, solver Solver, cfg Config) *Runtime {
	return New(h.q, h.registry, h.catalog, h.store, loader, solver, cfg, silentLogger())
}

func submitRun(t *testing.T, h *testHarness, runID string) queue.Envelope {
	t.Helper()
	require.NoError(t, h.registry.Create(context.Background(), &runregistry.Run{RunID: runID}))
	env := queue.Envelope{RunID: runID, CasePointer: "jobs/" + runID + "/input.json"}
	require.NoError(t, h.q.Enqueue(context.Background(), env))
	return env
}

func receiveOne(t *testing.T, h *testHarness) (queue.Handle, queue.Envelope) {
	t.Helper()
	handle, env, err := h.q.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	return handle, *env
}

func TestRuntime_HappyPath(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-1")
	handle, env := receiveOne(t, h)

	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		require.NoError(t, progress(10, "10% complete"))
		require.NoError(t, progress(75, "75% complete"))
		return &Result{
			Solutions: []interface{}{"assignment-a"},
			Metadata:  catalog.Metadata{RunID: "run-1", SolverType: "staffing", SolutionsCount: 1},
		}, nil
	}}

	rt := h.newRuntime(&fakeLoader{c: Case{}}, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	run, err := h.registry.Read(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, runregistry.StatusCompleted, run.Status)
	assert.Equal(t, 100, run.Progress)
	assert.Equal(t, "Result_1", run.ResultFolder)

	data, _, err := h.store.Get(context.Background(), "Result_1/results.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "assignment-a")

	depth, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRuntime_Cancellation(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-2")
	handle, env := receiveOne(t, h)

	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		require.NoError(t, progress(55, "55% complete"))
		_, err := h.registry.Update(ctx, "run-2", func(run *runregistry.Run) error {
			run.CancelRequested = true
			return nil
		})
		require.NoError(t, err)
		if err := progress(70, "70% complete"); err != nil {
			return nil, err
		}
		t.Fatal("solver should have unwound on cancellation")
		return nil, nil
	}}

	rt := h.newRuntime(&fakeLoader{c: Case{}}, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	run, err := h.registry.Read(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, runregistry.StatusCancelled, run.Status)
	assert.Equal(t, 55, run.Progress)

	folders, err := h.catalog.ListFolders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestRuntime_PermanentFailureDeletesHandle(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-3")
	handle, env := receiveOne(t, h)

	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		return nil, rerr.Permanentf("infeasible model")
	}}

	rt := h.newRuntime(&fakeLoader{c: Case{}}, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	run, err := h.registry.Read(context.Background(), "run-3")
	require.NoError(t, err)
	assert.Equal(t, runregistry.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "infeasible model")

	depth, err := h.q.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRuntime_TransientFailureLeavesHandleInFlight(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-4")
	handle, env := receiveOne(t, h)

	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		return nil, rerr.Transientf("object store unavailable")
	}}

	rt := h.newRuntime(&fakeLoader{c: Case{}}, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	run, err := h.registry.Read(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, runregistry.StatusFailed, run.Status)
	assert.Equal(t, 1, run.RetryCount)

	// the handle was never deleted, so it is still recognized as in flight
	require.NoError(t, h.q.ExtendVisibility(context.Background(), handle, time.Minute))
}

func TestRuntime_CaseLoadFailureMarksRunFailed(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-5")
	handle, env := receiveOne(t, h)

	loader := &fakeLoader{err: rerr.NotFoundf("case not found")}
	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		t.Fatal("solver should not run when the case fails to load")
		return nil, nil
	}}

	rt := h.newRuntime(loader, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	run, err := h.registry.Read(context.Background(), "run-5")
	require.NoError(t, err)
	assert.Equal(t, runregistry.StatusFailed, run.Status)
}

func TestRuntime_ProgressIsMonotonicallyClamped(t *testing.T) {
	h := newHarness(t)
	submitRun(t, h, "run-6")
	handle, env := receiveOne(t, h)

	var observed []int
	solver := &fakeSolver{fn: func(ctx context.Context, c Case, progress ProgressFunc) (*Result, error) {
		require.NoError(t, progress(60, "60% complete"))
		require.NoError(t, progress(20, "dip that must be clamped"))
		run, err := h.registry.Read(ctx, "run-6")
		require.NoError(t, err)
		observed = append(observed, run.Progress)
		return &Result{Metadata: catalog.Metadata{RunID: "run-6"}}, nil
	}}

	rt := h.newRuntime(&fakeLoader{c: Case{}}, solver, Config{VisibilityTimeout: time.Minute})
	rt.processEnvelope(context.Background(), handle, env)

	require.Len(t, observed, 1)
	assert.Equal(t, 60, observed[0], "progress must never regress below its previous value")
}
