// Package runregistry implements the Run Registry: the authoritative
// status/progress/log record for every solve run. It has no persistence
// mechanism of its own — every operation is a read, list, or
// compare-and-swap write against the Object Store Adapter, following the
// same build-state-on-top-of-blob-storage approach the reference stack
// uses for its audit and state-store layers.
package runregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"eve.evalgo.org/rerr"
	"eve.evalgo.org/storage"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether status accepts no further mutation, per the
// registry's terminal-state guard invariant.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Run is the full status document for one solve run.
type Run struct {
	RunID           string    `json:"run_id"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ResultFolder    string    `json:"result_folder,omitempty"`
	Error           string    `json:"error,omitempty"`
	LogSeq          int64     `json:"log_seq"`
	CancelRequested bool      `json:"cancel_requested"`
	RequestID       string    `json:"request_id,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Source          string    `json:"source,omitempty"`
}

// LogEntry is a single appended log line, stored as its own object so
// readers can tail new entries without re-fetching the whole history. Its
// JSON shape is the wire contract for the streaming /logs endpoint: a
// "log" event, with progress merged in when the append accompanies a
// progress update.
type LogEntry struct {
	Type     string    `json:"type"`
	Seq      int64     `json:"seq"`
	Ts       time.Time `json:"ts"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Progress *int      `json:"progress,omitempty"`
}

// AuditRecorder receives a best-effort copy of every status document the
// registry writes, for operators who want to query run history over SQL
// alongside the Object Store Adapter's authoritative documents. It is
// never consulted for correctness.
type AuditRecorder interface {
	Record(runID, status string, progress int, message, errText string)
}

// Registry is the Run Registry, built entirely on a storage.Store.
type Registry struct {
	store         storage.Store
	casRetryBound int
	audit         AuditRecorder
}

// New constructs a Registry. casRetryBound bounds the number of
// read-modify-write attempts Update makes before giving up with a
// Conflict, matching the Object Store Adapter's own bounded-retry
// contract.
func New(store storage.Store, casRetryBound int) *Registry {
	if casRetryBound <= 0 {
		casRetryBound = 8
	}
	return &Registry{store: store, casRetryBound: casRetryBound}
}

// SetAudit attaches an AuditRecorder that mirrors every successful Create
// and Update onto a side channel. Passing a nil interface (or a typed nil
// that itself no-ops, such as a *db.AuditSink opened with an empty DSN)
// disables auditing.
func (r *Registry) SetAudit(a AuditRecorder) {
	r.audit = a
}

func statusKey(runID string) string {
	return fmt.Sprintf("runs/%s/status.json", runID)
}

func logKey(runID string, seq int64) string {
	return fmt.Sprintf("runs/%s/logs/%010d.json", runID, seq)
}

func logPrefix(runID string) string {
	return fmt.Sprintf("runs/%s/logs/", runID)
}

// Create writes the initial status document for a new run, failing with
// rerr.ErrConflict if the run already exists.
func (r *Registry) Create(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusQueued
	}

	data, err := json.Marshal(run)
	if err != nil {
		return rerr.Permanentf("encoding run %s: %w", run.RunID, err)
	}

	if _, err := r.store.PutIfAbsent(ctx, statusKey(run.RunID), data, "application/json"); err != nil {
		if rerr.IsConflict(err) {
			return rerr.Conflictf("run %s already exists", run.RunID)
		}
		return err
	}
	if r.audit != nil {
		r.audit.Record(run.RunID, string(run.Status), run.Progress, run.Message, run.Error)
	}
	return nil
}

// Read fetches the current status document, or rerr.ErrNotFound.
func (r *Registry) Read(ctx context.Context, runID string) (*Run, error) {
	data, _, err := r.store.Get(ctx, statusKey(runID))
	if err != nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, rerr.Permanentf("decoding run %s: %w", runID, err)
	}
	return &run, nil
}

// Update applies mutator to the current run document under
// compare-and-swap, retrying on a lost race up to casRetryBound times.
// A run already in a terminal status rejects any further mutation (I4).
func (r *Registry) Update(ctx context.Context, runID string, mutator func(*Run) error) (*Run, error) {
	key := statusKey(runID)

	var lastErr error
	for attempt := 0; attempt < r.casRetryBound; attempt++ {
		data, meta, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, rerr.Permanentf("decoding run %s: %w", runID, err)
		}
		if run.Status.terminal() {
			return nil, rerr.Conflictf("run %s is already %s", runID, run.Status)
		}

		if err := mutator(&run); err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(run)
		if err != nil {
			return nil, rerr.Permanentf("encoding run %s: %w", runID, err)
		}

		if _, err := r.store.PutIfMatch(ctx, key, encoded, "application/json", meta.ETag); err != nil {
			if rerr.IsConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if r.audit != nil {
			r.audit.Record(run.RunID, string(run.Status), run.Progress, run.Message, run.Error)
		}
		return &run, nil
	}
	return nil, rerr.Conflictf("run %s: CAS retry bound exceeded: %v", runID, lastErr)
}

// AppendLog writes the next log entry for a run, advancing its log_seq
// counter by CAS. The segment is written from inside the CAS mutator so a
// lost race recomputes and overwrites the same candidate seq rather than
// ever exposing a seq the counter has already moved past. progress is
// optional (nil when the entry carries no progress update) and, per the
// wire contract's explicit allowance, is merged into the "log" event
// rather than emitted as a separate "progress" event.
func (r *Registry) AppendLog(ctx context.Context, runID, level, message string, progress *int) (int64, error) {
	var seq int64
	var writeErr error

	_, err := r.Update(ctx, runID, func(run *Run) error {
		seq = run.LogSeq + 1
		entry := LogEntry{Type: "log", Seq: seq, Ts: time.Now().UTC(), Level: level, Message: message, Progress: progress}
		data, err := json.Marshal(entry)
		if err != nil {
			writeErr = rerr.Permanentf("encoding log entry for run %s: %w", runID, err)
			return writeErr
		}
		if _, err := r.store.Put(ctx, logKey(runID, seq), data, "application/json", nil); err != nil {
			writeErr = err
			return err
		}
		run.LogSeq = seq
		return nil
	})
	if writeErr != nil {
		return 0, writeErr
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListLogs returns every log entry with seq > sinceSeq, in order. The
// current log_seq is read from the status document (read-after-write
// consistent) rather than from a prefix List, so a tailing client never
// misses a just-appended segment because of the object store's eventually
// consistent listing.
func (r *Registry) ListLogs(ctx context.Context, runID string, sinceSeq int64) ([]LogEntry, error) {
	run, err := r.Read(ctx, runID)
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for seq := sinceSeq + 1; seq <= run.LogSeq; seq++ {
		data, _, err := r.store.Get(ctx, logKey(runID, seq))
		if err != nil {
			if rerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, rerr.Permanentf("decoding log entry %d for run %s: %w", seq, runID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// List enumerates every run_id with a status document, sorted
// lexicographically in ascending order — used by housekeeping/janitor
// sweeps, not the request-serving path.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	result, err := r.store.List(ctx, "runs/", "/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.CommonPrefixes))
	for _, prefix := range result.CommonPrefixes {
		id := strings.TrimSuffix(strings.TrimPrefix(prefix, "runs/"), "/")
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a run's status document and every log segment, used by
// retention sweeps that purge runs older than a configured max age.
func (r *Registry) Delete(ctx context.Context, runID string) error {
	if err := r.store.DeletePrefix(ctx, logPrefix(runID)); err != nil {
		return err
	}
	return r.store.Delete(ctx, statusKey(runID))
}
