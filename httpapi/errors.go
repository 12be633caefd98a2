package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"eve.evalgo.org/rerr"
)

// writeError maps a taxonomy error to its HTTP status per §7's
// propagation policy and writes the standard error envelope.
func writeError(c echo.Context, err error) error {
	status := rerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return c.JSON(status, map[string]string{"error": "internal_error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
