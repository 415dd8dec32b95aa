package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

// GetAutomationStatus reports the global automation toggle.
func (s *APIV1Service) GetAutomationStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"enabled": s.Store.AutomationEnabled(),
	})
}

type setAutomationStatusRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAutomationStatus flips the global automation toggle. The toggle is
// persisted, so it survives restarts.
func (s *APIV1Service) SetAutomationStatus(c echo.Context) error {
	var req setAutomationStatusRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	s.Store.SetAutomationEnabled(req.Enabled)
	return c.JSON(http.StatusOK, map[string]any{"enabled": req.Enabled})
}

// ListAutomationRuns returns the newest runs, newest-first.
func (s *APIV1Service) ListAutomationRuns(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apierr.BadRequest("limit must be an integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs": s.Store.ListAutomationRuns(limit),
	})
}
