package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"eve.evalgo.org/rerr"
	"eve.evalgo.org/runregistry"
)

type statusResponse struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message,omitempty"`
	ResultFolder string `json:"result_folder,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	run, err := s.Registry.Read(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse{
		RunID:        run.RunID,
		Status:       string(run.Status),
		Progress:     run.Progress,
		Message:      run.Message,
		ResultFolder: run.ResultFolder,
		Error:        run.Error,
	})
}

func (s *Server) handleStop(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if _, err := s.Registry.Update(ctx, runID, func(run *runregistry.Run) error {
		run.CancelRequested = true
		return nil
	}); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancel_requested"})
}

// handleLogs streams one JSON object per line, each discriminated by a
// "type" field ("log", "heartbeat", "end"): an initial flush of every log
// entry with seq > since (progress merged into the log event per the wire
// contract's allowance), then a poll loop with idle cadence <= 1s, a
// heartbeat event every 30s of silence, and a trailing end event once the
// run reaches a terminal status.
func (s *Server) handleLogs(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	since := int64(0)
	if raw := c.QueryParam("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return writeError(c, rerr.Validationf("invalid since parameter %q", raw))
		}
		since = parsed
	}

	if _, err := s.Registry.Read(ctx, runID); err != nil {
		return writeError(c, err)
	}

	heartbeat := s.LogHeartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	writeLine := func(v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	lastActivity := time.Now()
	for {
		entries, err := s.Registry.ListLogs(ctx, runID, since)
		if err != nil {
			return writeError(c, err)
		}
		for _, entry := range entries {
			if err := writeLine(entry); err != nil {
				return nil
			}
			since = entry.Seq
			lastActivity = time.Now()
		}

		run, err := s.Registry.Read(ctx, runID)
		if err != nil {
			return writeError(c, err)
		}
		if isTerminal(run.Status) {
			_ = writeLine(map[string]string{"type": "end", "status": string(run.Status)})
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}

		if time.Since(lastActivity) >= heartbeat {
			if err := writeLine(map[string]interface{}{"type": "heartbeat", "ts": time.Now().UTC()}); err != nil {
				return nil
			}
			lastActivity = time.Now()
		}
	}
}

func isTerminal(status runregistry.Status) bool {
	switch status {
	case runregistry.StatusCompleted, runregistry.StatusFailed, runregistry.StatusCancelled:
		return true
	default:
		return false
	}
}
