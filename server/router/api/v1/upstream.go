package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

type callUpstreamRequest struct {
	OperationID string         `json:"operationId"`
	Params      map[string]any `json:"params"`
}

// CallUpstream proxies an arbitrary catalog operation to the provider and
// returns its raw response. This is the console's escape hatch for operations
// without a dedicated endpoint.
func (s *APIV1Service) CallUpstream(c echo.Context) error {
	var req callUpstreamRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	if req.OperationID == "" {
		return apierr.BadRequest("operationId is required")
	}
	body, err := s.Upstream.Call(c.Request().Context(), req.OperationID, req.Params)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, body)
}

// ListUpstreamOperations lists the loaded catalog operations.
func (s *APIV1Service) ListUpstreamOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"available":  s.Upstream.Catalog().Available(),
		"operations": s.Upstream.Catalog().Operations(),
	})
}
