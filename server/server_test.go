package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkchat/wkchat/server/internal/observability"
)

func TestRedactURI(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"webhook secret query param",
			"/webhooks/wkteam/messages?secret=hunter2",
			"/webhooks/wkteam/messages?secret=REDACTED",
		},
		{
			"webhook secret path segment",
			"/webhooks/wkteam/hunter2/messages",
			"/webhooks/wkteam/REDACTED/messages",
		},
		{
			"webhook secret path segment on callback",
			"/webhooks/wkteam/hunter2/callback",
			"/webhooks/wkteam/REDACTED/callback",
		},
		{
			"sse token",
			"/api/events?token=tok-123",
			"/api/events?token=REDACTED",
		},
		{
			"other params survive",
			"/api/conversations/c1/messages?limit=20",
			"/api/conversations/c1/messages?limit=20",
		},
		{
			"plain path untouched",
			"/healthz",
			"/healthz",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, redactURI(tc.in))
		})
	}
}

func TestRequestContextMiddlewareInjectsLogger(t *testing.T) {
	e := echo.New()
	e.Use(requestContext(slog.New(slog.NewTextHandler(io.Discard, nil))))

	var seen *observability.RequestContext
	e.GET("/whoami", func(c echo.Context) error {
		reqCtx, ok := observability.FromContext(c.Request().Context())
		require.True(t, ok)
		seen = reqCtx
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.RequestID)
}
