package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/store"
)

// ListConversations returns every conversation, pinned first, then by recency.
func (s *APIV1Service) ListConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"conversations": s.Store.ListConversations(),
	})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

// CreateConversation creates a manual conversation. Manual conversations have
// no provider address, so automation can only record relay-skipped runs for
// them.
func (s *APIV1Service) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return apierr.BadRequest("title is required")
	}

	conv, ok := s.Store.CreateConversation(&store.Conversation{
		ID:    shortuuid.New(),
		Title: title,
	})
	if !ok {
		return apierr.BadRequest("conversation already exists")
	}
	s.Broker.Publish(events.ConversationChanged, events.Payload{
		ConversationID: conv.ID,
		Action:         events.ActionCreated,
	})
	return c.JSON(http.StatusOK, conv)
}

// DeleteConversation removes a conversation and all of its messages.
func (s *APIV1Service) DeleteConversation(c echo.Context) error {
	id := c.Param("id")
	if !s.Store.DeleteConversation(id) {
		return apierr.NotFound("conversation not found")
	}
	s.Broker.Publish(events.ConversationChanged, events.Payload{
		ConversationID: id,
		Action:         events.ActionDeleted,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

type setPinnedRequest struct {
	Pinned bool `json:"pinned"`
}

// SetConversationPinned toggles the pin flag.
func (s *APIV1Service) SetConversationPinned(c echo.Context) error {
	var req setPinnedRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	conv, ok := s.Store.SetPinned(c.Param("id"), req.Pinned)
	if !ok {
		return apierr.NotFound("conversation not found")
	}
	s.Broker.Publish(events.ConversationChanged, events.Payload{
		ConversationID: conv.ID,
		Action:         events.ActionUpdated,
	})
	return c.JSON(http.StatusOK, conv)
}

// MarkConversationRead resets the unread counter.
func (s *APIV1Service) MarkConversationRead(c echo.Context) error {
	conv, ok := s.Store.ResetUnread(c.Param("id"))
	if !ok {
		return apierr.NotFound("conversation not found")
	}
	s.Broker.Publish(events.ConversationChanged, events.Payload{
		ConversationID: conv.ID,
		Action:         events.ActionUpdated,
	})
	return c.JSON(http.StatusOK, conv)
}
