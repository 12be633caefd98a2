// Package storage implements the Object Store Adapter: a typed wrapper
// over a remote key/blob store exposing put/get/head/list/delete and the
// conditional-write primitives the Run Registry and Result Catalog build
// their compare-and-swap semantics on.
package storage

import (
	"context"
	"math/rand"
	"time"

	"eve.evalgo.org/rerr"
)

// ObjectMeta describes a stored object without fetching its body.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	UserMetadata map[string]string
}

// ListResult is the outcome of a prefix listing: matching keys plus, when a
// delimiter was supplied, the "folder" prefixes one level down (S3's
// CommonPrefixes concept), used by the Result Catalog to enumerate
// Result_N/ roots without listing every object beneath them.
type ListResult struct {
	Keys           []ObjectMeta
	CommonPrefixes []string
}

// Store is the narrow interface every component programs against. Concrete
// backends (S3-compatible object storage, an embedded bbolt database) live
// behind it so the rest of the service never imports a vendor SDK.
//
// All operations are idempotent with respect to retries. Errors are
// classified via the rerr sentinels (NotFound, Conflict, Transient,
// Permanent); callers use rerr.Is / rerr.IsTransient to decide on retry.
type Store interface {
	// Put writes key unconditionally, returning the resulting ETag.
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (etag string, err error)

	// PutIfAbsent claims key only if it does not already exist, modeling
	// an If-None-Match: * conditional write. Returns rerr.ErrConflict if
	// the key is already present.
	PutIfAbsent(ctx context.Context, key string, data []byte, contentType string) (etag string, err error)

	// PutIfMatch overwrites key only if its current ETag equals expectedETag,
	// the compare-and-swap primitive the Run Registry's update() and the
	// Result Catalog's counter allocation are built on. Returns
	// rerr.ErrConflict on a mismatch (including when the key is absent and
	// expectedETag is non-empty).
	PutIfMatch(ctx context.Context, key string, data []byte, contentType string, expectedETag string) (newETag string, err error)

	// Get returns the full object body and its metadata, or rerr.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, ObjectMeta, error)

	// Head returns an object's metadata without its body, or rerr.ErrNotFound.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// List enumerates keys under prefix. When delimiter is non-empty,
	// common prefixes ("folders") are returned alongside direct children.
	// List is eventually consistent; callers must tolerate stale views.
	List(ctx context.Context, prefix, delimiter string) (ListResult, error)

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key sharing prefix. Idempotent: deleting
	// an already-empty prefix succeeds with no change.
	DeletePrefix(ctx context.Context, prefix string) error
}

// retryBackoff returns the capped exponential backoff schedule S3Store
// uses when a Transient error is observed: 100ms doubling per attempt,
// capped at 8s, with the wait drawn at random from the upper half of
// that step.
func retryBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	d := base << attempt
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2))
}

// withRetry runs fn, retrying on rerr.IsTransient up to maxAttempts times
// with capped exponential backoff. S3Store wraps its reads, unconditional
// writes and deletes in it; its conditional writes and every BoltStore
// operation run once, without retry.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !rerr.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return err
}
