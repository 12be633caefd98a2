package storage

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/rerr"
)

func testS3Store() (*S3Store, *MockS3Client) {
	client := NewMockS3Client()
	client.Buckets["results"] = true
	return NewS3StoreWithClient(client, "results", logrus.NewEntry(logrus.New())), client
}

func TestS3StorePutGetRoundTrip(t *testing.T) {
	store, _ := testS3Store()
	ctx := context.Background()

	etag, err := store.Put(ctx, "runs/r1/status.json", []byte(`{"status":"queued"}`), "application/json", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	data, meta, err := store.Get(ctx, "runs/r1/status.json")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"queued"}`, string(data))
	assert.Equal(t, etag, meta.ETag)
}

func TestS3StoreGetMissingKeyIsNotFound(t *testing.T) {
	store, _ := testS3Store()
	_, _, err := store.Get(context.Background(), "jobs/missing/input.json")
	require.Error(t, err)
	assert.True(t, rerr.IsNotFound(err))
}

func TestS3StorePutIfAbsentRejectsDuplicateClaim(t *testing.T) {
	store, _ := testS3Store()
	ctx := context.Background()

	_, err := store.PutIfAbsent(ctx, "Result_1/.claim", nil, "application/octet-stream")
	require.NoError(t, err)

	_, err = store.PutIfAbsent(ctx, "Result_1/.claim", nil, "application/octet-stream")
	require.Error(t, err)
	assert.True(t, rerr.IsConflict(err))
}

func TestS3StorePutIfMatchDetectsStaleETag(t *testing.T) {
	store, _ := testS3Store()
	ctx := context.Background()

	etag, err := store.Put(ctx, "results/_counter.json", []byte(`{"next":1}`), "application/json", nil)
	require.NoError(t, err)

	_, err = store.PutIfMatch(ctx, "results/_counter.json", []byte(`{"next":2}`), "application/json", "stale-etag")
	require.Error(t, err)

	_, err = store.PutIfMatch(ctx, "results/_counter.json", []byte(`{"next":2}`), "application/json", etag)
	require.NoError(t, err)
}

func TestS3StoreListReturnsObjectsUnderPrefix(t *testing.T) {
	store, _ := testS3Store()
	ctx := context.Background()

	_, err := store.Put(ctx, "Result_1/results.json", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "Result_2/results.json", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)

	result, err := store.List(ctx, "Result_", "/")
	require.NoError(t, err)
	assert.Len(t, result.Keys, 2)
}

func TestS3StoreDeletePrefixRemovesAllObjects(t *testing.T) {
	store, _ := testS3Store()
	ctx := context.Background()

	_, err := store.Put(ctx, "Result_9/results.json", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, "Result_9/metadata.json", []byte(`{}`), "application/json", nil)
	require.NoError(t, err)

	require.NoError(t, store.DeletePrefix(ctx, "Result_9/"))

	result, err := store.List(ctx, "Result_9/", "")
	require.NoError(t, err)
	assert.Empty(t, result.Keys)

	// Idempotent: a second delete of an already-empty prefix is a no-op.
	require.NoError(t, store.DeletePrefix(ctx, "Result_9/"))
}
