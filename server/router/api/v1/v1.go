// Package v1 serves the operator-facing REST and SSE API.
package v1

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/semaphore"

	"github.com/wkchat/wkchat/internal/profile"
	"github.com/wkchat/wkchat/server/ai"
	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	"github.com/wkchat/wkchat/server/upstream"
	"github.com/wkchat/wkchat/store"
)

type APIV1Service struct {
	Profile  *profile.Profile
	Store    *store.Store
	Broker   *events.Broker
	Upstream *upstream.Client
	Queue    *automation.Queue
	Workflow *automation.Workflow

	// AI is nil when no completion endpoint is configured.
	AI *ai.Provider

	sessions *sessionSet
	logger   *slog.Logger

	// hydrateSemaphore caps concurrent media downloads so a burst of hydrate
	// requests cannot exhaust memory.
	hydrateSemaphore *semaphore.Weighted
}

func NewAPIV1Service(p *profile.Profile, st *store.Store, broker *events.Broker, up *upstream.Client, queue *automation.Queue, workflow *automation.Workflow, provider *ai.Provider, logger *slog.Logger) *APIV1Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIV1Service{
		Profile:          p,
		Store:            st,
		Broker:           broker,
		Upstream:         up,
		Queue:            queue,
		Workflow:         workflow,
		AI:               provider,
		sessions:         newSessionSet(),
		logger:           logger,
		hydrateSemaphore: semaphore.NewWeighted(3),
	}
}

// Register mounts every /api route. All routes except the auth trio sit
// behind the credential middleware.
func (s *APIV1Service) Register(e *echo.Echo) {
	api := e.Group("/api")

	api.POST("/auth/login", s.Login)
	api.POST("/auth/logout", s.Logout)
	api.GET("/auth/me", s.Me)

	protected := api.Group("", s.requireAuth)
	protected.GET("/conversations", s.ListConversations)
	protected.POST("/conversations", s.CreateConversation)
	protected.DELETE("/conversations/:id", s.DeleteConversation)
	protected.POST("/conversations/:id/pinned", s.SetConversationPinned)
	protected.POST("/conversations/:id/read", s.MarkConversationRead)
	protected.GET("/conversations/:id/messages", s.ListMessages)
	protected.POST("/conversations/:id/messages", s.SendMessage)
	protected.POST("/conversations/:id/ai-reply", s.AIReply)
	protected.POST("/messages/:id/hydrate", s.HydrateMessage)
	protected.GET("/automation/status", s.GetAutomationStatus)
	protected.POST("/automation/status", s.SetAutomationStatus)
	protected.GET("/automation/runs", s.ListAutomationRuns)
	protected.POST("/upstream/call", s.CallUpstream)
	protected.GET("/upstream/operations", s.ListUpstreamOperations)
	protected.GET("/events", s.StreamEvents)
}
