package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"eve.evalgo.org/rerr"
)

func (s *Server) handleCaseActive(c echo.Context) error {
	data, err := s.CaseStore.Active(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return writeError(c, rerr.Permanentf("decoding active case: %w", err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"case":          payload,
		"last_modified": time.Now().UTC().Format(timeLayout),
	})
}

func (s *Server) handleCaseSave(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 10<<20))
	if err != nil || len(body) == 0 || !json.Valid(body) {
		return writeError(c, rerr.Validationf("request body must be a non-empty JSON document"))
	}

	backupKey, err := s.CaseStore.Save(c.Request().Context(), body)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "saved", "backup_key": backupKey})
}
