package boltqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/queue"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := NewQueue(Config{Path: path, VisibilityTimeout: visibility})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueue_EnqueueReceiveDelete(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Envelope{RunID: "run-1", CasePointer: "jobs/run-1/input.json"}))

	handle, env, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "run-1", env.RunID)
	assert.NotEmpty(t, handle)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "received envelope leaves the pending bucket")

	require.NoError(t, q.Delete(ctx, handle))
}

func TestQueue_ReceiveTimesOutWhenEmpty(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	handle, env, err := q.Receive(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, env)
	assert.Empty(t, handle)
}

func TestQueue_ExtendVisibilityUnknownHandle(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	err := q.ExtendVisibility(context.Background(), "nonexistent", time.Minute)
	assert.Error(t, err)
}

func TestQueue_RequeueExpiredRedeliversAndIncrementsRetryCount(t *testing.T) {
	q := newTestQueue(t, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Envelope{RunID: "run-2", CasePointer: "jobs/run-2/input.json"}))
	_, env, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)

	time.Sleep(20 * time.Millisecond)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, redelivered, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 1, redelivered.RetryCount)
}

func TestQueue_RequeueExpiredNoneInFlight(t *testing.T) {
	q := newTestQueue(t, time.Minute)
	n, err := q.RequeueExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
