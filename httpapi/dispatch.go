package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/rerr"
	"eve.evalgo.org/runregistry"
)

type solveResponse struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// handleSolve is the Job Dispatcher: validate, persist the case, create
// the registry record, enqueue, and return immediately without waiting
// for the solver.
func (s *Server) handleSolve(c echo.Context) error {
	ctx := c.Request().Context()

	limit := s.MaxCaseBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return writeError(c, rerr.Validationf("reading request body: %v", err))
	}
	if int64(len(body)) > limit {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "case payload exceeds the configured size limit"})
	}
	if len(body) == 0 || !json.Valid(body) {
		return writeError(c, rerr.Validationf("request body must be a non-empty JSON document"))
	}

	runID := uuid.New().String()
	casePointer := "jobs/" + runID + "/input.json"

	if _, err := s.Store.Put(ctx, casePointer, body, "application/json", nil); err != nil {
		return writeError(c, err)
	}

	run := &runregistry.Run{
		RunID:     runID,
		Status:    runregistry.StatusQueued,
		Progress:  0,
		Message:   "Optimization started",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.Registry.Create(ctx, run); err != nil {
		return writeError(c, err)
	}

	env := queue.Envelope{RunID: runID, CasePointer: casePointer, EnqueuedAt: time.Now().UTC()}
	if err := s.Queue.Enqueue(ctx, env); err != nil {
		if _, updateErr := s.Registry.Update(ctx, runID, func(run *runregistry.Run) error {
			run.Status = runregistry.StatusFailed
			run.Error = "dispatch_failed"
			return nil
		}); updateErr != nil {
			s.Log.WithError(updateErr).WithField("run_id", runID).Error("failed to mark dispatch failure")
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "dispatch_failed"})
	}

	return c.JSON(http.StatusAccepted, solveResponse{RunID: runID, Status: "processing", Progress: 0})
}
