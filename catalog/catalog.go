// Package catalog implements the Result Catalog: allocation of
// strictly-increasing Result_N folder names under concurrent Workers,
// enumeration and deletion of completed folders, and ZIP packaging for
// download. Like the Run Registry, it owns no storage beyond the Object
// Store Adapter — the counter object it maintains is just another key.
package catalog

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"eve.evalgo.org/rerr"
	"eve.evalgo.org/storage"
)

const counterKey = "results/_counter.json"

var folderNamePattern = regexp.MustCompile(`^Result_(\d+)$`)

// Metadata is the required per-folder descriptor every completed Result_N
// folder carries, written by the Worker Runtime alongside results.json.
type Metadata struct {
	RunID          string    `json:"run_id"`
	SolverType     string    `json:"solver_type"`
	SolutionsCount int       `json:"solutions_count"`
	RuntimeSeconds float64   `json:"runtime_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// FolderSummary describes one enumerable result folder.
type FolderSummary struct {
	Name      string   `json:"name"`
	Metadata  Metadata `json:"metadata"`
	FileCount int      `json:"file_count"`
	TotalSize int64    `json:"total_size"`
}

// Catalog is the Result Catalog, built entirely on a storage.Store.
type Catalog struct {
	store        storage.Store
	claimRetries int
}

// New constructs a Catalog. claimRetries bounds the number of counter-CAS
// attempts AllocateNext makes before failing Conflict.
func New(store storage.Store, claimRetries int) *Catalog {
	if claimRetries <= 0 {
		claimRetries = 16
	}
	return &Catalog{store: store, claimRetries: claimRetries}
}

type counterDoc struct {
	Next int64 `json:"next"`
}

// AllocateNext allocates the next Result_N name. A list-based scan of
// existing folders seeds the candidate so the counter rarely needs to be
// walked from its current value, but correctness rests solely on the
// counter's compare-and-swap: concurrent callers always receive distinct,
// strictly increasing N (I3).
func (c *Catalog) AllocateNext(ctx context.Context, runID string) (string, error) {
	maxExisting, err := c.maxExistingN(ctx)
	if err != nil {
		return "", err
	}
	candidate := maxExisting + 1

	var lastErr error
	for attempt := 0; attempt < c.claimRetries; attempt++ {
		n, err := c.claimCounter(ctx, candidate)
		if err == nil {
			return fmt.Sprintf("Result_%d", n), nil
		}
		if !rerr.IsConflict(err) {
			return "", err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(jitteredBackoff(attempt)):
		}
	}
	return "", rerr.Conflictf("allocate_next: claim retries exhausted for run %s: %v", runID, lastErr)
}

// claimCounter performs one read-propose-CAS attempt against the shared
// counter object, returning the allocated N on success.
func (c *Catalog) claimCounter(ctx context.Context, candidate int64) (int64, error) {
	data, meta, err := c.store.Get(ctx, counterKey)
	if rerr.IsNotFound(err) {
		n := candidate
		if n < 1 {
			n = 1
		}
		encoded, marshalErr := json.Marshal(counterDoc{Next: n + 1})
		if marshalErr != nil {
			return 0, rerr.Permanentf("encoding result counter: %w", marshalErr)
		}
		if _, err := c.store.PutIfAbsent(ctx, counterKey, encoded, "application/json"); err != nil {
			return 0, err
		}
		return n, nil
	}
	if err != nil {
		return 0, err
	}

	var doc counterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, rerr.Permanentf("decoding result counter: %w", err)
	}
	n := doc.Next
	if candidate > n {
		n = candidate
	}
	encoded, err := json.Marshal(counterDoc{Next: n + 1})
	if err != nil {
		return 0, rerr.Permanentf("encoding result counter: %w", err)
	}
	if _, err := c.store.PutIfMatch(ctx, counterKey, encoded, "application/json", meta.ETag); err != nil {
		return 0, err
	}
	return n, nil
}

// jitteredBackoff has the same shape as the Object Store Adapter's retry
// schedule (doubling, capped, jittered within the upper half of each step)
// but a shorter 20ms base and 2s cap, since counter contention clears
// faster than transient storage errors.
func jitteredBackoff(attempt int) time.Duration {
	base := 20 * time.Millisecond
	d := base << attempt
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// maxExistingN scans current Result_N folders to seed AllocateNext's
// candidate. This is purely an optimization; List's eventual consistency
// means the result may be stale, which is fine since the CAS counter is
// the sole source of truth.
func (c *Catalog) maxExistingN(ctx context.Context) (int64, error) {
	result, err := c.store.List(ctx, "Result_", "/")
	if err != nil {
		return 0, err
	}
	var max int64
	for _, prefix := range result.CommonPrefixes {
		name := strings.TrimSuffix(prefix, "/")
		if n, ok := parseFolderN(name); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func parseFolderN(name string) (int64, bool) {
	m := folderNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListFolders enumerates completed result folders, descending by N.
// Folders without a metadata.json yet are still being assembled by a
// Worker and are excluded.
func (c *Catalog) ListFolders(ctx context.Context) ([]FolderSummary, error) {
	result, err := c.store.List(ctx, "Result_", "/")
	if err != nil {
		return nil, err
	}

	var summaries []FolderSummary
	for _, prefix := range result.CommonPrefixes {
		name := strings.TrimSuffix(prefix, "/")
		data, _, err := c.store.Get(ctx, name+"/metadata.json")
		if rerr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var meta Metadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, rerr.Permanentf("decoding metadata for %s: %w", name, err)
		}

		objects, err := c.store.List(ctx, name+"/", "")
		if err != nil {
			return nil, err
		}
		var totalSize int64
		for _, obj := range objects.Keys {
			totalSize += obj.Size
		}

		summaries = append(summaries, FolderSummary{
			Name:      name,
			Metadata:  meta,
			FileCount: len(objects.Keys),
			TotalSize: totalSize,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		ni, _ := parseFolderN(summaries[i].Name)
		nj, _ := parseFolderN(summaries[j].Name)
		return ni > nj
	})
	return summaries, nil
}

// Delete removes a result folder and everything beneath it. Idempotent:
// deleting an already-absent folder succeeds.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	if _, ok := parseFolderN(name); !ok {
		return rerr.Validationf("invalid result folder name %q", name)
	}
	return c.store.DeletePrefix(ctx, name+"/")
}

// Exists reports whether a folder has a metadata.json, i.e. a Worker
// finished uploading its artifacts rather than merely claiming the name.
func (c *Catalog) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.store.Head(ctx, name+"/metadata.json")
	if rerr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StreamZip packages every object under name/ into a ZIP archive written
// incrementally to w, never buffering the whole archive. Artifacts are
// stored uncompressed (zip.Store) since they are already compressed or
// small. If a per-object read fails partway through, a trailing manifest
// entry records the failure and the stream ends with the ZIP truncated
// rather than panicking or silently dropping data.
func (c *Catalog) StreamZip(ctx context.Context, name string, w io.Writer) error {
	if _, ok := parseFolderN(name); !ok {
		return rerr.Validationf("invalid result folder name %q", name)
	}

	result, err := c.store.List(ctx, name+"/", "")
	if err != nil {
		return err
	}
	if len(result.Keys) == 0 {
		return rerr.NotFoundf("result folder %s is empty or does not exist", name)
	}

	zw := zip.NewWriter(w)
	for _, obj := range result.Keys {
		data, _, err := c.store.Get(ctx, obj.Key)
		if err != nil {
			c.writeFailureManifest(zw, obj.Key, err)
			break
		}
		entryName := strings.TrimPrefix(obj.Key, name+"/")
		header := &zip.FileHeader{Name: entryName, Method: zip.Store, Modified: obj.LastModified}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return rerr.Transientf("creating zip entry %s: %w", entryName, err)
		}
		if _, err := entry.Write(data); err != nil {
			return rerr.Transientf("writing zip entry %s: %w", entryName, err)
		}
	}
	return zw.Close()
}

func (c *Catalog) writeFailureManifest(zw *zip.Writer, failedKey string, cause error) {
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: "MANIFEST_ERROR.txt", Method: zip.Store})
	if err != nil {
		return
	}
	fmt.Fprintf(entry, "archive truncated: failed to read %s: %v\n", failedKey, cause)
}

// TotalSize sums the sizes of every object under a result folder, used by
// the Download Service for its X-Uncompressed-Size header (the ZIP itself
// is a different size, so it is not a Content-Length).
func (c *Catalog) TotalSize(ctx context.Context, name string) (int64, error) {
	if _, ok := parseFolderN(name); !ok {
		return 0, rerr.Validationf("invalid result folder name %q", name)
	}
	result, err := c.store.List(ctx, name+"/", "")
	if err != nil {
		return 0, err
	}
	if len(result.Keys) == 0 {
		return 0, rerr.NotFoundf("result folder %s is empty or does not exist", name)
	}
	var total int64
	for _, obj := range result.Keys {
		total += obj.Size
	}
	return total, nil
}
