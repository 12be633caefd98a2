// Package redis implements the Queue Adapter over Redis: a pending list for
// undelivered envelopes, an in-flight hash holding envelopes currently
// checked out, and a deadline ZSET scoring each in-flight handle by its
// visibility expiry. This mirrors the reference stack's job-queue helpers
// (RPush/BLPop for delivery, a ZSET scored by deadline for the
// processing set) generalized to the handle-based Queue contract and an
// explicit visibility timeout independent of the long-poll wait.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/rerr"
)

// Config configures the Redis-backed queue.
type Config struct {
	RedisURL          string        // defaults to redis://localhost:6379/0
	KeyPrefix         string        // defaults to "queue:"
	VisibilityTimeout time.Duration // defaults to 12h, matching the worst-case solver runtime
}

// Queue implements queue.Queue over a single Redis logical queue.
type Queue struct {
	client            *goredis.Client
	prefix            string
	visibilityTimeout time.Duration
}

func keys(prefix string) (pending, inflight, deadlines string) {
	return prefix + "pending", prefix + "inflight", prefix + "deadlines"
}

// NewQueue connects to Redis and returns a ready-to-use Queue.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	url := cfg.RedisURL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, rerr.Permanentf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, rerr.Transientf("connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "queue:"
	}
	vis := cfg.VisibilityTimeout
	if vis <= 0 {
		vis = 12 * time.Hour
	}

	return &Queue{client: client, prefix: prefix, visibilityTimeout: vis}, nil
}

// NewQueueWithClient injects a pre-built client, used by tests against
// miniredis.
func NewQueueWithClient(client *goredis.Client, prefix string, visibilityTimeout time.Duration) *Queue {
	if prefix == "" {
		prefix = "queue:"
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 12 * time.Hour
	}
	return &Queue{client: client, prefix: prefix, visibilityTimeout: visibilityTimeout}
}

// Close closes the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, env queue.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return rerr.Permanentf("marshaling envelope: %w", err)
	}
	pending, _, _ := keys(q.prefix)
	if err := q.client.RPush(ctx, pending, data).Err(); err != nil {
		return rerr.Transientf("enqueueing envelope: %w", err)
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context, maxWait time.Duration) (queue.Handle, *queue.Envelope, error) {
	pending, inflight, deadlines := keys(q.prefix)

	result, err := q.client.BLPop(ctx, maxWait, pending).Result()
	if err == goredis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, rerr.Transientf("receiving envelope: %w", err)
	}
	if len(result) < 2 {
		return "", nil, nil
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		return "", nil, rerr.Permanentf("unmarshaling envelope: %w", err)
	}

	handle := queue.Handle(uuid.New().String())
	deadline := time.Now().Add(q.visibilityTimeout)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, inflight, string(handle), result[1])
	pipe.ZAdd(ctx, deadlines, goredis.Z{Score: float64(deadline.Unix()), Member: string(handle)})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, rerr.Transientf("recording in-flight handle: %w", err)
	}

	return handle, &env, nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, handle queue.Handle, d time.Duration) error {
	_, inflight, deadlines := keys(q.prefix)
	// Only a handle recorded in the in-flight hash by Receive (and not yet
	// deleted) can be extended; anything else is NotFound.
	exists, err := q.client.HExists(ctx, inflight, string(handle)).Result()
	if err != nil {
		return rerr.Transientf("extending visibility: %w", err)
	}
	if !exists {
		return rerr.NotFoundf("handle %s not in flight", handle)
	}
	deadline := time.Now().Add(d)
	if err := q.client.ZAdd(ctx, deadlines, goredis.Z{Score: float64(deadline.Unix()), Member: string(handle)}).Err(); err != nil {
		return rerr.Transientf("extending visibility: %w", err)
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, handle queue.Handle) error {
	_, inflight, deadlines := keys(q.prefix)
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, inflight, string(handle))
	pipe.ZRem(ctx, deadlines, string(handle))
	if _, err := pipe.Exec(ctx); err != nil {
		return rerr.Transientf("deleting handle: %w", err)
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	pending, _, _ := keys(q.prefix)
	n, err := q.client.LLen(ctx, pending).Result()
	if err != nil {
		return 0, rerr.Transientf("reading queue depth: %w", err)
	}
	return int(n), nil
}

// RequeueExpired scans the deadline ZSET for handles whose visibility has
// lapsed and pushes their envelopes back onto the pending list with an
// incremented retry count, implementing the adapter's at-least-once
// guarantee when a worker dies mid-job. Intended to be called periodically
// by a janitor goroutine.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	_, inflight, deadlines := keys(q.prefix)
	now := float64(time.Now().Unix())

	expired, err := q.client.ZRangeByScore(ctx, deadlines, &goredis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, rerr.Transientf("scanning expired deadlines: %w", err)
	}

	requeued := 0
	for _, handle := range expired {
		raw, err := q.client.HGet(ctx, inflight, handle).Result()
		if err == goredis.Nil {
			q.client.ZRem(ctx, deadlines, handle)
			continue
		}
		if err != nil {
			return requeued, rerr.Transientf("reading in-flight envelope: %w", err)
		}

		var env queue.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.client.ZRem(ctx, deadlines, handle)
			q.client.HDel(ctx, inflight, handle)
			continue
		}
		env.RetryCount++

		if err := q.Enqueue(ctx, env); err != nil {
			return requeued, err
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, deadlines, handle)
		pipe.HDel(ctx, inflight, handle)
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, rerr.Transientf("clearing requeued handle: %w", err)
		}
		requeued++
	}

	return requeued, nil
}
