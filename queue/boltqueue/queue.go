// Package boltqueue implements the Queue Adapter over an embedded
// go.etcd.io/bbolt database, the local/offline counterpart to the Redis and
// RabbitMQ backends, adapted from the reference stack's db/bolt helpers
// (PutJSON/GetJSON/ForEach) the same way storage.BoltStore adapts them for
// the Object Store.
package boltqueue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/rerr"
)

var (
	pendingBucket  = []byte("pending")
	inflightBucket = []byte("inflight")
)

type pendingEntry struct {
	Seq      int64         `json:"seq"`
	Envelope queue.Envelope `json:"envelope"`
}

type inflightEntry struct {
	Envelope queue.Envelope `json:"envelope"`
	Deadline time.Time      `json:"deadline"`
}

// Queue implements queue.Queue over a bbolt database. Single-writer
// semantics make the pending-to-inflight handoff trivially atomic inside
// one Update transaction.
type Queue struct {
	db                *bolt.DB
	visibilityTimeout time.Duration
	seq               int64
}

// Config configures the embedded queue.
type Config struct {
	Path              string
	VisibilityTimeout time.Duration
}

// NewQueue opens (creating if necessary) the bbolt database backing the
// queue.
func NewQueue(cfg Config) (*Queue, error) {
	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, rerr.Permanentf("opening bolt queue at %s: %w", cfg.Path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(inflightBucket)
		return err
	})
	if err != nil {
		return nil, rerr.Permanentf("creating queue buckets: %w", err)
	}

	vis := cfg.VisibilityTimeout
	if vis <= 0 {
		vis = 12 * time.Hour
	}

	q := &Queue{db: db, visibilityTimeout: vis}
	if err := q.restoreSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// restoreSeq seeds the in-memory sequence counter from the highest key
// already present in the pending bucket, so a restart never reissues a seq
// already used by an envelope still waiting to be received.
func (q *Queue) restoreSeq() error {
	return q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		var seq int64
		for _, byteVal := range k {
			seq = seq<<8 | int64(byteVal)
		}
		q.seq = seq
		return nil
	})
}

// Close releases the bbolt file handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) Enqueue(_ context.Context, env queue.Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		q.seq++
		entry := pendingEntry{Seq: q.seq, Envelope: env}
		data, err := json.Marshal(entry)
		if err != nil {
			return rerr.Permanentf("encoding envelope: %w", err)
		}
		return tx.Bucket(pendingBucket).Put(seqKey(q.seq), data)
	})
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

// Receive polls the pending bucket for its lowest-sequence entry, moving it
// to the in-flight bucket under a freshly generated handle. Because there
// is no blocking primitive in bbolt, long-poll is implemented as a short
// interval poll bounded by maxWait.
func (q *Queue) Receive(ctx context.Context, maxWait time.Duration) (queue.Handle, *queue.Envelope, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		handle, env, err := q.tryReceive()
		if err != nil {
			return "", nil, err
		}
		if env != nil {
			return handle, env, nil
		}
		if time.Now().After(deadline) {
			return "", nil, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryReceive() (queue.Handle, *queue.Envelope, error) {
	var handle queue.Handle
	var env *queue.Envelope

	err := q.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		c := pending.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}

		var entry pendingEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return rerr.Permanentf("decoding pending envelope: %w", err)
		}
		if err := pending.Delete(k); err != nil {
			return err
		}

		h := uuidLike(entry.Seq)
		inflightRecord := inflightEntry{Envelope: entry.Envelope, Deadline: time.Now().Add(q.visibilityTimeout)}
		data, err := json.Marshal(inflightRecord)
		if err != nil {
			return rerr.Permanentf("encoding in-flight envelope: %w", err)
		}
		if err := tx.Bucket(inflightBucket).Put([]byte(h), data); err != nil {
			return err
		}

		handle = queue.Handle(h)
		e := entry.Envelope
		env = &e
		return nil
	})
	return handle, env, err
}

// uuidLike derives a stable, collision-free handle from the envelope's
// monotonic sequence number plus the current time, avoiding a dependency
// on a UUID generator for a purely local/offline backend.
func uuidLike(seq int64) string {
	return time.Now().UTC().Format("20060102T150405.000000000") + "-" + itoa(seq)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (q *Queue) ExtendVisibility(_ context.Context, handle queue.Handle, d time.Duration) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(inflightBucket)
		raw := b.Get([]byte(handle))
		if raw == nil {
			return rerr.NotFoundf("handle %s not in flight", handle)
		}
		var entry inflightEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return rerr.Permanentf("decoding in-flight envelope: %w", err)
		}
		entry.Deadline = time.Now().Add(d)
		data, err := json.Marshal(entry)
		if err != nil {
			return rerr.Permanentf("encoding in-flight envelope: %w", err)
		}
		return b.Put([]byte(handle), data)
	})
}

func (q *Queue) Delete(_ context.Context, handle queue.Handle) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(inflightBucket).Delete([]byte(handle))
	})
}

func (q *Queue) Depth(_ context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// RequeueExpired moves every in-flight envelope whose visibility deadline
// has passed back onto the pending bucket with its retry count incremented,
// the bbolt analogue of the Redis backend's deadline-ZSET reaper.
func (q *Queue) RequeueExpired(ctx context.Context) (int, error) {
	type expired struct {
		handle []byte
		env    queue.Envelope
	}
	var toRequeue []expired

	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(inflightBucket)
		return b.ForEach(func(k, v []byte) error {
			var entry inflightEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if time.Now().After(entry.Deadline) {
				toRequeue = append(toRequeue, expired{handle: append([]byte(nil), k...), env: entry.Envelope})
			}
			return nil
		})
	})
	if err != nil {
		return 0, rerr.Transientf("scanning in-flight envelopes: %w", err)
	}

	sort.Slice(toRequeue, func(i, j int) bool { return string(toRequeue[i].handle) < string(toRequeue[j].handle) })

	for _, e := range toRequeue {
		e.env.RetryCount++
		if err := q.Enqueue(ctx, e.env); err != nil {
			return len(toRequeue), err
		}
		if err := q.Delete(ctx, queue.Handle(e.handle)); err != nil {
			return len(toRequeue), err
		}
	}
	return len(toRequeue), nil
}
