package runregistry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/rerr"
	"eve.evalgo.org/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, 8)
}

func TestRegistry_CreateAndRead(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	run, err := r.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, run.Status)
	assert.False(t, run.CreatedAt.IsZero())
}

func TestRegistry_CreateConflict(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))
	err := r.Create(ctx, &Run{RunID: "run-1"})
	assert.True(t, rerr.IsConflict(err))
}

func TestRegistry_ReadMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Read(context.Background(), "missing")
	assert.True(t, rerr.IsNotFound(err))
}

func TestRegistry_UpdateAppliesMutation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	run, err := r.Update(ctx, "run-1", func(run *Run) error {
		run.Status = StatusProcessing
		run.Progress = 42
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, run.Status)
	assert.Equal(t, 42, run.Progress)

	reread, err := r.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 42, reread.Progress)
}

func TestRegistry_UpdateRejectsTerminalRun(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	_, err := r.Update(ctx, "run-1", func(run *Run) error {
		run.Status = StatusCompleted
		return nil
	})
	require.NoError(t, err)

	_, err = r.Update(ctx, "run-1", func(run *Run) error {
		run.Progress = 100
		return nil
	})
	assert.True(t, rerr.IsConflict(err))
}

func TestRegistry_UpdateMutatorErrorPropagates(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	sentinel := rerr.Validationf("bad progress value")
	_, err := r.Update(ctx, "run-1", func(run *Run) error {
		return sentinel
	})
	assert.ErrorIs(t, err, rerr.ErrValidation)
}

func TestRegistry_AppendAndListLogs(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	seq1, err := r.AppendLog(ctx, "run-1", "info", "starting solve", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq1)

	pct := 25
	seq2, err := r.AppendLog(ctx, "run-1", "info", "25% complete", &pct)
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq2)

	entries, err := r.ListLogs(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "log", entries[0].Type)
	assert.Equal(t, "starting solve", entries[0].Message)
	assert.Nil(t, entries[0].Progress)
	assert.Equal(t, "25% complete", entries[1].Message)
	require.NotNil(t, entries[1].Progress)
	assert.Equal(t, 25, *entries[1].Progress)

	tail, err := r.ListLogs(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.EqualValues(t, 2, tail[0].Seq)
}

func TestRegistry_ListLogsEmptyRun(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))

	entries, err := r.ListLogs(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-2"}))

	ids, err := r.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, ids)
}

func TestRegistry_Delete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &Run{RunID: "run-1"}))
	_, err := r.AppendLog(ctx, "run-1", "info", "line one", nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "run-1"))

	_, err = r.Read(ctx, "run-1")
	assert.True(t, rerr.IsNotFound(err))

	entries, err := r.ListLogs(ctx, "run-1", 0)
	require.Error(t, err)
	assert.Empty(t, entries)
}
