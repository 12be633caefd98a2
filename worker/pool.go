// Package worker implements the Worker Runtime: the main receive →
// process → delete loop for solve jobs, with a concurrent visibility
// heartbeat and cooperative cancellation, grounded on the reference
// stack's worker pool but rebuilt around the Queue Adapter's handle-based
// contract instead of a job-ID-keyed queue.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/catalog"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/rerr"
	"eve.evalgo.org/runregistry"
	"eve.evalgo.org/storage"
)

// Case is the parsed solve input, read once per job from
// jobs/{run_id}/input.json and handed to the Solver unmodified.
type Case map[string]interface{}

// Artifact is one extra file a Solver wants uploaded into the result
// folder alongside results.json and metadata.json.
type Artifact struct {
	Name        string
	Data        []byte
	ContentType string
}

// Result is what a Solver returns on success.
type Result struct {
	Solutions []interface{}
	Metadata  catalog.Metadata
	Artifacts []Artifact
}

// ProgressFunc reports solver progress. It returns rerr.ErrCancelled when
// the run's cancel_requested flag has been observed, the cooperative
// cancellation signal the solver adapter must unwind on (per the Design
// Notes' Cancelled sentinel pattern — this is a systems-language
// equivalent of the exception the reference implementation raises).
type ProgressFunc func(pct int, message string) error

// Solver runs one case to completion, periodically invoking progress to
// report status and observe cancellation.
type Solver interface {
	Solve(ctx context.Context, c Case, progress ProgressFunc) (*Result, error)
}

// CaseLoader fetches the case payload a queue envelope points at.
type CaseLoader interface {
	LoadCase(ctx context.Context, casePointer string) (Case, error)
}

// Config configures a Runtime.
type Config struct {
	VisibilityTimeout       time.Duration
	ReceiveWait             time.Duration
	ProgressCallbackCadence time.Duration
}

// Runtime is one Worker Runtime instance: a single in-flight job at a
// time, per §5's "one process, one blocking job" scheduling model.
// Parallelism comes from running more Runtime instances, not more
// goroutines within one.
type Runtime struct {
	queue    queue.Queue
	registry *runregistry.Registry
	catalog  *catalog.Catalog
	store    storage.Store
	loader   CaseLoader
	solver   Solver
	cfg      Config
	log      *logrus.Entry

	stop chan struct{}
}

// New constructs a Runtime. store is the same Object Store Adapter backing
// registry and catalog; the Runtime writes results.json/metadata.json and
// any extra artifacts directly through it once catalog.AllocateNext has
// claimed a folder name.
func New(q queue.Queue, registry *runregistry.Registry, cat *catalog.Catalog, store storage.Store, loader CaseLoader, solver Solver, cfg Config, log *logrus.Entry) *Runtime {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 12 * time.Hour
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 20 * time.Second
	}
	if cfg.ProgressCallbackCadence <= 0 {
		cfg.ProgressCallbackCadence = 30 * time.Second
	}
	return &Runtime{
		queue:    q,
		registry: registry,
		catalog:  cat,
		store:    store,
		loader:   loader,
		solver:   solver,
		cfg:      cfg,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// Run blocks, executing the receive/process/delete loop until ctx is
// cancelled or Stop is called.
func (r *Runtime) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		handle, env, err := r.queue.Receive(ctx, r.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("receive failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if env == nil {
			continue // long-poll timed out, no envelope available
		}

		r.processEnvelope(ctx, handle, *env)
	}
}

// Stop requests the loop exit after its current iteration.
func (r *Runtime) Stop() {
	close(r.stop)
}

// processEnvelope runs one job end to end: registry transition, visibility
// heartbeat, solve, artifact upload, terminal transition, handle release.
func (r *Runtime) processEnvelope(ctx context.Context, handle queue.Handle, env queue.Envelope) {
	jobLog := r.log.WithField("run_id", env.RunID)

	if _, err := r.registry.Update(ctx, env.RunID, func(run *runregistry.Run) error {
		run.Status = runregistry.StatusProcessing
		run.Message = "Dequeued"
		return nil
	}); err != nil {
		jobLog.WithError(err).Error("failed to mark run processing, abandoning handle for redelivery")
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	lost := make(chan struct{})
	go r.runHeartbeat(heartbeatCtx, handle, jobLog, lost)
	defer stopHeartbeat()

	outcome := r.runJob(ctx, env, jobLog, lost)
	stopHeartbeat()

	switch outcome {
	case outcomeCompleted, outcomeCancelled:
		if err := r.queue.Delete(ctx, handle); err != nil {
			jobLog.WithError(err).Error("failed to delete queue handle after terminal transition")
		}
	case outcomePermanentFailure:
		if err := r.queue.Delete(ctx, handle); err != nil {
			jobLog.WithError(err).Error("failed to delete queue handle after permanent failure")
		}
	case outcomeTransientFailure, outcomeVisibilityLost:
		// handle left in flight; visibility timeout expiry redelivers it
	}
}

type jobOutcome int

const (
	outcomeCompleted jobOutcome = iota
	outcomeCancelled
	outcomePermanentFailure
	outcomeTransientFailure
	outcomeVisibilityLost
)

// runHeartbeat extends the queue handle's visibility every T/3 until ctx
// is cancelled. Two consecutive extension failures close lost, signalling
// the job should abort as failed(visibility_lost) without deleting the
// handle so another worker can pick it up.
func (r *Runtime) runHeartbeat(ctx context.Context, handle queue.Handle, jobLog *logrus.Entry, lost chan<- struct{}) {
	interval := r.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.ExtendVisibility(ctx, handle, r.cfg.VisibilityTimeout); err != nil {
				consecutiveFailures++
				jobLog.WithError(err).WithField("consecutive_failures", consecutiveFailures).Warn("visibility extension failed")
				if consecutiveFailures >= 2 {
					close(lost)
					return
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

// runJob fetches the case, invokes the solver, and drives the run to a
// terminal registry state, returning how the caller should dispose of the
// queue handle.
func (r *Runtime) runJob(ctx context.Context, env queue.Envelope, jobLog *logrus.Entry, lost <-chan struct{}) jobOutcome {
	caseDoc, err := r.loader.LoadCase(ctx, env.CasePointer)
	if err != nil {
		return r.fail(ctx, env.RunID, jobLog, err)
	}

	lastProgress := 0
	progressFn := func(pct int, message string) error {
		select {
		case <-lost:
			return rerr.Transientf("visibility lost for run %s", env.RunID)
		default:
		}

		run, err := r.registry.Read(ctx, env.RunID)
		if err != nil {
			return err
		}
		if run.CancelRequested {
			return rerr.ErrCancelled
		}

		if pct < lastProgress {
			pct = lastProgress
		}
		lastProgress = pct

		if _, err := r.registry.Update(ctx, env.RunID, func(run *runregistry.Run) error {
			run.Progress = pct
			run.Message = message
			return nil
		}); err != nil {
			return err
		}
		if _, err := r.registry.AppendLog(ctx, env.RunID, "info", message, &pct); err != nil {
			jobLog.WithError(err).Warn("failed to append progress log entry")
		}
		return nil
	}

	result, err := r.solver.Solve(ctx, caseDoc, progressFn)

	select {
	case <-lost:
		return r.visibilityLost(ctx, env.RunID, jobLog)
	default:
	}

	if err != nil {
		if rerr.IsCancelled(err) {
			return r.cancel(ctx, env.RunID, jobLog)
		}
		return r.fail(ctx, env.RunID, jobLog, err)
	}

	return r.complete(ctx, env.RunID, jobLog, result)
}

// complete allocates a result folder, uploads artifacts, and marks the run
// completed.
func (r *Runtime) complete(ctx context.Context, runID string, jobLog *logrus.Entry, result *Result) jobOutcome {
	folder, err := r.catalog.AllocateNext(ctx, runID)
	if err != nil {
		return r.fail(ctx, runID, jobLog, err)
	}
	result.Metadata.RunID = runID
	result.Metadata.CreatedAt = time.Now().UTC()

	if err := r.uploadResult(ctx, folder, result); err != nil {
		return r.fail(ctx, runID, jobLog, err)
	}

	if _, err := r.registry.Update(ctx, runID, func(run *runregistry.Run) error {
		run.Status = runregistry.StatusCompleted
		run.Progress = 100
		run.Message = "Optimization completed"
		run.ResultFolder = folder
		return nil
	}); err != nil {
		jobLog.WithError(err).Error("failed to mark run completed after successful upload")
		return outcomeTransientFailure
	}
	return outcomeCompleted
}

func (r *Runtime) uploadResult(ctx context.Context, folder string, result *Result) error {
	resultsJSON, err := json.Marshal(map[string]interface{}{"solutions": result.Solutions})
	if err != nil {
		return rerr.Permanentf("encoding results.json: %w", err)
	}
	if _, err := r.store.Put(ctx, folder+"/results.json", resultsJSON, "application/json", nil); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return rerr.Permanentf("encoding metadata.json: %w", err)
	}
	if _, err := r.store.Put(ctx, folder+"/metadata.json", metadataJSON, "application/json", nil); err != nil {
		return err
	}

	for _, artifact := range result.Artifacts {
		if _, err := r.store.Put(ctx, folder+"/"+artifact.Name, artifact.Data, artifact.ContentType, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) cancel(ctx context.Context, runID string, jobLog *logrus.Entry) jobOutcome {
	if _, err := r.registry.Update(ctx, runID, func(run *runregistry.Run) error {
		run.Status = runregistry.StatusCancelled
		return nil
	}); err != nil {
		jobLog.WithError(err).Error("failed to mark run cancelled")
	}
	return outcomeCancelled
}

func (r *Runtime) fail(ctx context.Context, runID string, jobLog *logrus.Entry, cause error) jobOutcome {
	transient := rerr.IsTransient(cause)
	if _, err := r.registry.Update(ctx, runID, func(run *runregistry.Run) error {
		run.Status = runregistry.StatusFailed
		run.Error = cause.Error()
		run.RetryCount++
		return nil
	}); err != nil {
		jobLog.WithError(err).Error("failed to mark run failed")
	}
	jobLog.WithError(cause).WithField("transient", transient).Warn("run failed")
	if transient {
		return outcomeTransientFailure
	}
	return outcomePermanentFailure
}

func (r *Runtime) visibilityLost(ctx context.Context, runID string, jobLog *logrus.Entry) jobOutcome {
	if _, err := r.registry.Update(ctx, runID, func(run *runregistry.Run) error {
		run.Status = runregistry.StatusFailed
		run.Error = "visibility_lost"
		return nil
	}); err != nil {
		jobLog.WithError(err).Error("failed to mark run failed(visibility_lost)")
	}
	return outcomeVisibilityLost
}
