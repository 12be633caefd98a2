package catalog

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/rerr"
	"eve.evalgo.org/storage"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, 16)
}

func TestCatalog_AllocateNextStartsAtOne(t *testing.T) {
	c := newTestCatalog(t)
	name, err := c.AllocateNext(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "Result_1", name)
}

func TestCatalog_AllocateNextIsStrictlyIncreasing(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, err := c.AllocateNext(ctx, "run-1")
	require.NoError(t, err)
	second, err := c.AllocateNext(ctx, "run-2")
	require.NoError(t, err)

	assert.Equal(t, "Result_1", first)
	assert.Equal(t, "Result_2", second)
}

func TestCatalog_AllocateNextConcurrentCallsAreDistinct(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	const n = 20
	names := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			names[i], errs[i] = c.AllocateNext(ctx, "run")
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[names[i]], "duplicate name %s", names[i])
		seen[names[i]] = true
	}
	assert.Len(t, seen, n)
}

func TestCatalog_ListFoldersExcludesIncompleteFolders(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	name, err := c.AllocateNext(ctx, "run-1")
	require.NoError(t, err)

	folders, err := c.ListFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders, "folder without metadata.json should be excluded")

	meta := Metadata{RunID: "run-1", SolverType: "staffing", SolutionsCount: 3, RuntimeSeconds: 12.5, CreatedAt: time.Now().UTC()}
	data, _ := json.Marshal(meta)
	_, err = c.store.Put(ctx, name+"/metadata.json", data, "application/json", nil)
	require.NoError(t, err)

	folders, err = c.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, name, folders[0].Name)
	assert.Equal(t, "run-1", folders[0].Metadata.RunID)
}

func TestCatalog_ListFoldersSortedDescending(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		name, err := c.AllocateNext(ctx, "run")
		require.NoError(t, err)
		data, _ := json.Marshal(Metadata{RunID: "run", CreatedAt: time.Now().UTC()})
		_, err = c.store.Put(ctx, name+"/metadata.json", data, "application/json", nil)
		require.NoError(t, err)
	}

	folders, err := c.ListFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, []string{"Result_3", "Result_2", "Result_1"}, []string{folders[0].Name, folders[1].Name, folders[2].Name})
}

func TestCatalog_DeleteRejectsInvalidName(t *testing.T) {
	c := newTestCatalog(t)
	err := c.Delete(context.Background(), "not-a-result-folder")
	assert.True(t, rerr.Is(err, rerr.ErrValidation))
}

func TestCatalog_DeleteIsIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	name, err := c.AllocateNext(ctx, "run-1")
	require.NoError(t, err)
	_, err = c.store.Put(ctx, name+"/results.json", []byte("{}"), "application/json", nil)
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, name))
	require.NoError(t, c.Delete(ctx, name))

	exists, err := c.Exists(ctx, name)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCatalog_StreamZipPackagesAllObjects(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	name, err := c.AllocateNext(ctx, "run-1")
	require.NoError(t, err)

	_, err = c.store.Put(ctx, name+"/results.json", []byte(`{"solutions":1}`), "application/json", nil)
	require.NoError(t, err)
	_, err = c.store.Put(ctx, name+"/metadata.json", []byte(`{"run_id":"run-1"}`), "application/json", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.StreamZip(ctx, name, &buf))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["results.json"])
	assert.True(t, names["metadata.json"])
}

func TestCatalog_StreamZipEmptyFolderIsNotFound(t *testing.T) {
	c := newTestCatalog(t)
	var buf bytes.Buffer
	err := c.StreamZip(context.Background(), "Result_404", &buf)
	assert.True(t, rerr.IsNotFound(err))
}

func TestCatalog_StreamZipRejectsInvalidName(t *testing.T) {
	c := newTestCatalog(t)
	var buf bytes.Buffer
	err := c.StreamZip(context.Background(), "../etc/passwd", &buf)
	assert.True(t, rerr.Is(err, rerr.ErrValidation))
}

func TestCatalog_TotalSize(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	name, err := c.AllocateNext(ctx, "run-1")
	require.NoError(t, err)
	_, err = c.store.Put(ctx, name+"/results.json", []byte("0123456789"), "application/json", nil)
	require.NoError(t, err)

	size, err := c.TotalSize(ctx, name)
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)
}
