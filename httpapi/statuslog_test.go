package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eve.evalgo.org/runregistry"
)

func TestHandleStatus_ReturnsRunFields(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Registry.Create(ctx, &runregistry.Run{RunID: "run-1", Status: runregistry.StatusProcessing, Progress: 40, Message: "halfway"}))

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodGet, "/status/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 40, resp.Progress)
	assert.Equal(t, "halfway", resp.Message)
}

func TestHandleStatus_UnknownRunIsNotFound(t *testing.T) {
	s := newTestServer(t)
	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodGet, "/status/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStop_SetsCancelRequested(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Registry.Create(ctx, &runregistry.Run{RunID: "run-1", Status: runregistry.StatusProcessing}))

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodPost, "/stop/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := s.Registry.Read(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, run.CancelRequested)
}

func TestHandleStop_TerminalRunConflicts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Registry.Create(ctx, &runregistry.Run{RunID: "run-1", Status: runregistry.StatusCompleted}))

	e := echo.New()
	s.RegisterRoutes(e)

	rec := doRequest(e, http.MethodPost, "/stop/run-1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestHandleLogs_StreamsContractShapedEvents pins the /logs wire contract:
// each line is a discriminated JSON object ("log" with seq/ts/level/message
// and optional merged progress, then a trailing "end" with status), not the
// registry's internal LogEntry field names.
func TestHandleLogs_StreamsContractShapedEvents(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.Registry.Create(ctx, &runregistry.Run{RunID: "run-1", Status: runregistry.StatusProcessing}))

	pct := 25
	_, err := s.Registry.AppendLog(ctx, "run-1", "info", "25% complete", &pct)
	require.NoError(t, err)
	_, err = s.Registry.Update(ctx, "run-1", func(run *runregistry.Run) error {
		run.Status = runregistry.StatusCompleted
		return nil
	})
	require.NoError(t, err)

	e := echo.New()
	s.RegisterRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/logs/run-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get(echo.HeaderContentType))

	scanner := bufio.NewScanner(rec.Body)
	var lines []map[string]interface{}
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)

	logEvent := lines[0]
	assert.Equal(t, "log", logEvent["type"])
	assert.Equal(t, float64(1), logEvent["seq"])
	assert.Equal(t, "info", logEvent["level"])
	assert.Equal(t, "25% complete", logEvent["message"])
	assert.Equal(t, float64(25), logEvent["progress"])
	assert.NotEmpty(t, logEvent["ts"])
	assert.NotContains(t, logEvent, "text")
	assert.NotContains(t, logEvent, "timestamp")

	endEvent := lines[1]
	assert.Equal(t, "end", endEvent["type"])
	assert.Equal(t, "completed", endEvent["status"])
}

func TestHandleLogs_HeartbeatHasTypeAndTimestamp(t *testing.T) {
	s := newTestServer(t)
	s.LogHeartbeat = 10 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Registry.Create(ctx, &runregistry.Run{RunID: "run-1", Status: runregistry.StatusProcessing}))

	e := echo.New()
	s.RegisterRoutes(e)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Registry.Update(context.Background(), "run-1", func(run *runregistry.Run) error {
			run.Status = runregistry.StatusCompleted
			return nil
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/logs/run-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	scanner := bufio.NewScanner(rec.Body)
	var sawHeartbeat bool
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["type"] == "heartbeat" {
			sawHeartbeat = true
			assert.NotEmpty(t, line["ts"])
			assert.NotContains(t, line, "event")
		}
	}
	assert.True(t, sawHeartbeat, "expected at least one heartbeat event before the run completed")
}
