// Package janitor implements the background reclamation sweep described
// in the recovery rules: orphaned jobs/ input payloads and terminal run
// records past their configured max age are purged. It owns no state of
// its own beyond a ticker, following the reference stack's
// ticker-driven polling loops.
package janitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/runregistry"
	"eve.evalgo.org/storage"
)

// Sweeper periodically reclaims terminal runs older than MaxAge, along
// with their jobs/{run_id}/ input payload.
type Sweeper struct {
	Registry *runregistry.Registry
	Store    storage.Store
	MaxAge   time.Duration
	Interval time.Duration
	Log      *logrus.Entry
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids, err := s.Registry.List(ctx)
	if err != nil {
		s.Log.WithError(err).Warn("janitor: listing runs failed")
		return
	}

	cutoff := time.Now().UTC().Add(-s.MaxAge)
	reclaimed := 0
	for _, runID := range ids {
		run, err := s.Registry.Read(ctx, runID)
		if err != nil {
			continue
		}
		if !terminal(run.Status) || run.UpdatedAt.After(cutoff) {
			continue
		}

		if err := s.Store.DeletePrefix(ctx, "jobs/"+runID+"/"); err != nil {
			s.Log.WithError(err).WithField("run_id", runID).Warn("janitor: failed to delete job payload")
			continue
		}
		if err := s.Registry.Delete(ctx, runID); err != nil {
			s.Log.WithError(err).WithField("run_id", runID).Warn("janitor: failed to delete run record")
			continue
		}
		reclaimed++
	}
	if reclaimed > 0 {
		s.Log.WithField("count", reclaimed).Info("janitor: reclaimed terminal runs")
	}
}

func terminal(status runregistry.Status) bool {
	switch status {
	case runregistry.StatusCompleted, runregistry.StatusFailed, runregistry.StatusCancelled:
		return true
	default:
		return false
	}
}
