// Package server assembles the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/wkchat/wkchat/internal/profile"
	"github.com/wkchat/wkchat/server/ai"
	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/server/internal/observability"
	apiv1 "github.com/wkchat/wkchat/server/router/api/v1"
	"github.com/wkchat/wkchat/server/router/webhook"
	"github.com/wkchat/wkchat/server/upstream"
	"github.com/wkchat/wkchat/store"
)

// Server owns the echo instance and the background workers it drains on
// shutdown.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	broker     *events.Broker
	queue      *automation.Queue
	logger     *slog.Logger
}

// NewServer wires middleware, routes and background workers.
func NewServer(ctx context.Context, p *profile.Profile, st *store.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.Debug = p.IsDev()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(echomw.Recover())
	e.Use(requestContext(logger))
	e.Use(requestLogger(logger))
	corsConfig := echomw.DefaultCORSConfig
	if len(p.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = p.CORSOrigins
	}
	corsConfig.AllowCredentials = true
	e.Use(echomw.CORSWithConfig(corsConfig))
	e.Use(echomw.BodyLimit(p.BodyLimit))

	catalog := upstream.LoadCatalog(p.CatalogPath, logger)
	upstreamClient := upstream.NewClient(&upstream.Config{
		BaseURL:    p.UpstreamBaseURL,
		AuthHeader: p.UpstreamAuthHeader,
		AuthValue:  p.UpstreamAuthValue,
		Timeout:    p.UpstreamTimeout,
	}, catalog)

	var completion *ai.Provider
	if p.IsAIEnabled() {
		completion = ai.NewProvider(&ai.Config{
			BaseURL: p.AIBaseURL,
			APIKey:  p.AIAPIKey,
			Model:   p.AIModel,
		})
	}

	broker := events.NewBroker(logger)
	workflow := automation.NewWorkflow(st, broker, upstreamClient, completion, p.AITimeout, p.AISystemPrompt, logger)
	queue := automation.NewQueue(workflow, logger)

	s := &Server{
		Profile:    p,
		Store:      st,
		echoServer: e,
		broker:     broker,
		queue:      queue,
		logger:     logger,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":      true,
			"version": p.Version,
		})
	})

	apiService := apiv1.NewAPIV1Service(p, st, broker, upstreamClient, queue, workflow, completion, logger)
	apiService.Register(e)

	webhookHandler, err := webhook.New(st, broker, queue, webhook.Config{
		Secret:          p.WebhookSecret,
		IPAllowlist:     p.WebhookIPAllowlist,
		RatePerMinute:   p.WebhookRatePerMinute,
		DataURLMaxBytes: p.DataURLMaxBytes,
	}, logger)
	if err != nil {
		return nil, err
	}
	webhookHandler.Register(e.Group("/webhooks"))

	return s, nil
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	s.logger.Info("server started",
		slog.String("address", address),
		slog.String("mode", s.Profile.Mode),
		slog.String("version", s.Profile.Version))
	return s.echoServer.Start(address)
}

// Shutdown stops accepting requests, drains the automation lane and flushes
// pending snapshot saves.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shut down http server", slog.String("error", err.Error()))
	}
	s.broker.Close()
	s.queue.Close()
	if err := s.Store.Flush(shutdownCtx); err != nil {
		s.logger.Error("failed to flush pending saves", slog.String("error", err.Error()))
	}
	s.Store.Close()
	s.logger.Info("server shutdown complete")
}

// errorHandler shapes every error into the {"error":{code,message}} envelope.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *apierr.Error
		switch typed := err.(type) {
		case *apierr.Error:
			apiErr = typed
		case *echo.HTTPError:
			code := apierr.ErrCodeInternal
			switch typed.Code {
			case http.StatusNotFound:
				code = apierr.ErrCodeNotFound
			case http.StatusRequestEntityTooLarge:
				code = apierr.ErrCodeBodyTooLarge
			case http.StatusBadRequest:
				code = apierr.ErrCodeBadRequest
			case http.StatusUnauthorized:
				code = apierr.ErrCodeUnauthorized
			}
			apiErr = &apierr.Error{Code: code, Message: fmt.Sprintf("%v", typed.Message)}
		default:
			apiErr = apierr.Internal(err)
		}

		status := apiErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.String("error", err.Error()))
		}
		_ = c.JSON(status, map[string]any{
			"error": map[string]any{
				"code":    string(apiErr.Code),
				"message": apiErr.Message,
			},
		})
	}
}

// requestContext attaches a request-scoped logging context so handlers share
// one request id across their log lines.
func requestContext(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqCtx := observability.NewRequestContext(logger, "")
			ctx := observability.WithRequestContext(c.Request().Context(), reqCtx)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// requestLogger emits one structured line per request.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", redactURI(v.URI)),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	})
}

// redactURI masks credentials that legitimately travel in the URL: the webhook
// shared secret (query parameter or path segment) and the SSE query token.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	redacted := false
	for _, key := range []string{"secret", "token"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
			redacted = true
		}
	}
	if redacted {
		u.RawQuery = q.Encode()
	}
	if strings.HasPrefix(u.Path, "/webhooks/wkteam/") {
		// /webhooks/wkteam/<secret>/messages and the callback variant.
		parts := strings.Split(u.Path, "/")
		if len(parts) == 5 {
			parts[3] = "REDACTED"
			u.Path = strings.Join(parts, "/")
		}
	}
	return u.String()
}
