package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status       string `json:"status"`
	ActiveRuns   int    `json:"active_runs"`
	Region       string `json:"region"`
	StoreBackend string `json:"store_backend"`
	QueueBackend string `json:"queue_backend"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	activeRuns := 0
	if ids, err := s.Registry.List(ctx); err == nil {
		for _, id := range ids {
			run, err := s.Registry.Read(ctx, id)
			if err != nil {
				continue
			}
			if !isTerminal(run.Status) {
				activeRuns++
			}
		}
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status:       "healthy",
		ActiveRuns:   activeRuns,
		Region:       s.Region,
		StoreBackend: s.StoreBackend,
		QueueBackend: s.QueueBackend,
	})
}
