package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/store"
)

const (
	aiReplyModeReturnOnly = "return_only"
	aiReplyModePersist    = "persist"
)

type aiReplyRequest struct {
	Mode string `json:"mode"`
}

// AIReply generates a completion for a conversation on demand. return_only
// hands the draft back without side effects; persist stores it as an outbound
// AI message and queues the relay to the peer.
func (s *APIV1Service) AIReply(c echo.Context) error {
	convID := c.Param("id")
	if _, ok := s.Store.GetConversation(convID); !ok {
		return apierr.NotFound("conversation not found")
	}
	var req aiReplyRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	switch req.Mode {
	case "", aiReplyModeReturnOnly:
		req.Mode = aiReplyModeReturnOnly
	case aiReplyModePersist:
	default:
		return apierr.BadRequest("mode must be return_only or persist")
	}
	if s.AI == nil {
		return &apierr.Error{
			Code:    apierr.ErrCodeUpstreamNotConfigured,
			Message: "no completion endpoint is configured",
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.Profile.AITimeout)
	defer cancel()
	reply, err := s.AI.Complete(ctx, s.Workflow.Compose(convID))
	if err != nil {
		return err
	}
	if req.Mode == aiReplyModeReturnOnly {
		return c.JSON(http.StatusOK, map[string]any{
			"reply": reply,
			"model": s.AI.Model(),
		})
	}

	msg := &store.Message{
		ID:             shortuuid.New(),
		ConversationID: convID,
		Direction:      store.DirectionOutbound,
		Source:         store.SourceAI,
		Kind:           store.KindText,
		Text:           reply,
	}
	stored, ok := s.Store.AppendMessage(msg, false)
	if !ok {
		return apierr.NotFound("conversation disappeared during completion")
	}
	s.Broker.Publish(events.MessageCreated, events.Payload{
		ConversationID: stored.ConversationID,
		MessageID:      stored.ID,
	})
	if _, _, _, err := store.ParseProviderConversationID(convID); err == nil {
		s.Queue.Enqueue(automation.Job{
			Trigger:   store.TriggerManual,
			Message:   stored,
			RelayOnly: true,
		})
	}
	return c.JSON(http.StatusOK, stored)
}
