package v1

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/store"
)

// ListMessages returns the newest messages of a conversation, oldest-first.
func (s *APIV1Service) ListMessages(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.Store.GetConversation(id); !ok {
		return apierr.NotFound("conversation not found")
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apierr.BadRequest("limit must be an integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"messages": s.Store.ListMessages(id, limit),
	})
}

type sendMessageRequest struct {
	Text  string              `json:"text"`
	Image *store.ImagePayload `json:"image"`
	File  *store.FilePayload  `json:"file"`
}

// SendMessage stores an outbound human message and, when the conversation is
// provider-addressed, queues a relay to the peer. The HTTP response does not
// wait for the relay; its outcome lands in the automation run log.
func (s *APIV1Service) SendMessage(c echo.Context) error {
	convID := c.Param("id")
	if _, ok := s.Store.GetConversation(convID); !ok {
		return apierr.NotFound("conversation not found")
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}

	msg := &store.Message{
		ID:             shortuuid.New(),
		ConversationID: convID,
		Direction:      store.DirectionOutbound,
		Source:         store.SourceHuman,
	}
	switch {
	case req.Image != nil:
		if err := s.checkDataURLSize(req.Image.DataURL); err != nil {
			return err
		}
		msg.Kind = store.KindImage
		msg.Image = req.Image
	case req.File != nil:
		if err := s.checkDataURLSize(req.File.DataURL); err != nil {
			return err
		}
		msg.Kind = store.KindFile
		msg.File = req.File
	default:
		text := strings.TrimSpace(req.Text)
		if text == "" {
			return apierr.BadRequest("message text is required")
		}
		msg.Kind = store.KindText
		msg.Text = text
	}

	stored, ok := s.Store.AppendMessage(msg, false)
	if !ok {
		return apierr.NotFound("conversation not found")
	}
	s.Broker.Publish(events.MessageCreated, events.Payload{
		ConversationID: stored.ConversationID,
		MessageID:      stored.ID,
	})

	// Manual conversations have no provider address; nothing to relay.
	if _, _, _, err := store.ParseProviderConversationID(convID); err == nil {
		s.Queue.Enqueue(automation.Job{
			Trigger:   store.TriggerHumanSend,
			Message:   stored,
			RelayOnly: true,
		})
	}
	return c.JSON(http.StatusOK, stored)
}

func (s *APIV1Service) checkDataURLSize(dataURL string) error {
	limit := s.Profile.DataURLMaxBytes
	if limit > 0 && strings.HasPrefix(dataURL, "data:") && int64(len(dataURL)) > limit {
		return apierr.DataURLTooLarge(limit)
	}
	return nil
}

// HydrateMessage downloads a message's pending external media and embeds it
// as a data URI. Already-embedded media is a no-op.
func (s *APIV1Service) HydrateMessage(c echo.Context) error {
	msg, ok := s.Store.GetMessage(c.Param("id"))
	if !ok {
		return apierr.NotFound("message not found")
	}
	url, hasMedia := msg.MediaDataURL()
	if !hasMedia {
		return apierr.BadRequest("message has no media payload")
	}
	if strings.HasPrefix(url, "data:") {
		return c.JSON(http.StatusOK, msg)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return apierr.BadRequest("media URL is not downloadable")
	}

	ctx := c.Request().Context()
	if err := s.hydrateSemaphore.Acquire(ctx, 1); err != nil {
		return apierr.Internal(err)
	}
	defer s.hydrateSemaphore.Release(1)

	data, contentType, err := s.Upstream.Download(ctx, url, s.Profile.DataURLMaxBytes)
	if err != nil {
		return err
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))

	next := msg.Clone()
	switch next.Kind {
	case store.KindImage:
		next.Image.DataURL = dataURL
	case store.KindFile:
		next.File.DataURL = dataURL
		if next.File.Mime == "" {
			next.File.Mime = contentType
		}
	}
	updated, ok := s.Store.ReplaceMessage(next)
	if !ok {
		return apierr.NotFound("message disappeared during hydration")
	}
	s.Broker.Publish(events.MessageUpdated, events.Payload{
		ConversationID: updated.ConversationID,
		MessageID:      updated.ID,
	})
	return c.JSON(http.StatusOK, updated)
}
