// Package webhook receives provider deliveries for the wkteam gateway and
// turns them into stored conversations, messages and automation work.
package webhook

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/server/internal/observability"
	apimw "github.com/wkchat/wkchat/server/middleware"
	"github.com/wkchat/wkchat/store"
)

// messageSchema is the shape contract for wkteam message deliveries. Payloads
// failing it are rejected with 400 rather than silently dropped, so a provider
// contract drift surfaces in the provider's own delivery log.
const messageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["wcId", "messageType"],
	"properties": {
		"wcId": {"type": "string", "minLength": 1},
		"fromUser": {"type": "string"},
		"fromGroup": {"type": "string"},
		"messageType": {"type": "integer"},
		"newMsgId": {"type": ["integer", "string"]},
		"timestamp": {"type": ["integer", "string"]},
		"self": {"type": "boolean"}
	}
}`

// Config carries the gate settings for the webhook surface.
type Config struct {
	Secret        string
	IPAllowlist   []string
	RatePerMinute int
	// DataURLMaxBytes caps embedded media a delivery may carry inline;
	// 0 disables the check.
	DataURLMaxBytes int64
}

// Handler serves the provider-facing webhook routes.
type Handler struct {
	store   *store.Store
	broker  *events.Broker
	queue   *automation.Queue
	schema     *jsonschema.Schema
	logger     *slog.Logger
	secret     string
	allowed    map[string]struct{}
	limiter    *apimw.RateLimiter
	maxDataURL int64
}

// New compiles the payload schema and builds the handler. A compile failure
// is a programming error in the embedded schema, never runtime input.
func New(st *store.Store, broker *events.Broker, queue *automation.Queue, cfg Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("wkteam-message.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("wkteam-message.json")
	if err != nil {
		return nil, err
	}

	h := &Handler{
		store:      st,
		broker:     broker,
		queue:      queue,
		schema:     schema,
		logger:     logger,
		secret:     cfg.Secret,
		limiter:    apimw.NewRateLimiter(cfg.RatePerMinute),
		maxDataURL: cfg.DataURLMaxBytes,
	}
	if len(cfg.IPAllowlist) > 0 {
		h.allowed = make(map[string]struct{}, len(cfg.IPAllowlist))
		for _, ip := range cfg.IPAllowlist {
			if ip = strings.TrimSpace(ip); ip != "" {
				h.allowed[ip] = struct{}{}
			}
		}
	}
	return h, nil
}

// Register mounts the webhook routes on the given group, normally /webhooks.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/wkteam/messages", h.handleMessages)
	g.POST("/wkteam/:secret/messages", h.handleMessages)
	g.POST("/wkteam/callback", h.handleCallback)
	g.POST("/wkteam/:secret/callback", h.handleCallback)
}

// gate applies the shared-secret check, the IP allowlist and the rate limit,
// in that order and before any body parsing.
func (h *Handler) gate(c echo.Context) error {
	if h.secret == "" {
		return apierr.Unauthorized("webhook secret is not configured")
	}
	presented := c.Request().Header.Get("X-Webhook-Secret")
	if presented == "" {
		presented = c.QueryParam("secret")
	}
	if presented == "" {
		presented = c.Param("secret")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) != 1 {
		return apierr.Unauthorized("webhook secret mismatch")
	}

	ip := c.RealIP()
	if h.allowed != nil {
		if _, ok := h.allowed[ip]; !ok {
			return apierr.Forbidden("source address is not allowlisted")
		}
	}
	if !h.limiter.Allow(ip) {
		h.logger.Warn("webhook delivery rate exceeded",
			slog.String(observability.LogFieldRemoteIP, ip))
		return apierr.RateLimited("webhook delivery rate exceeded")
	}
	return nil
}

func (h *Handler) handleMessages(c echo.Context) error {
	if err := h.gate(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apierr.BadRequest("failed to read request body")
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apierr.InvalidJSON(err)
	}
	if err := h.schema.Validate(instance); err != nil {
		return apierr.Wrap(err, apierr.ErrCodeBadRequest, "payload failed schema validation")
	}

	var payload inboundPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return apierr.InvalidJSON(err)
	}

	log, ok := observability.FromContext(c.Request().Context())
	if !ok {
		log = observability.NewRequestContext(h.logger, "")
	}
	kind, automatable := kindForType(payload.MessageType)
	if !automatable {
		log.Warn("ignoring unmapped message type",
			slog.Int("message_type", payload.MessageType))
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "ignored": true})
	}
	if payload.FromUser == "" && payload.FromGroup == "" {
		return apierr.BadRequest("delivery names neither fromUser nor fromGroup")
	}

	peerKind, peerID := payload.peer()
	conv := &store.Conversation{
		ID:     store.ProviderConversationID(payload.WcID, peerKind, peerID),
		Title:  peerID,
		PeerID: peerID,
	}
	msg := buildMessage(&payload, kind, body)
	if url, hasMedia := msg.MediaDataURL(); hasMedia && h.maxDataURL > 0 &&
		strings.HasPrefix(url, "data:") && int64(len(url)) > h.maxDataURL {
		return apierr.DataURLTooLarge(h.maxDataURL)
	}
	log.ConversationID = conv.ID

	result := h.store.IngestWebhookMessage(payload.dedupeKey(), conv, msg)
	if result.Deduped {
		log.Debug("duplicate delivery suppressed",
			slog.String(observability.LogFieldMessageID, result.MessageID))
		return c.JSON(http.StatusOK, map[string]any{
			"ok": true, "deduped": true, "messageId": result.MessageID,
		})
	}

	h.broker.Publish(events.MessageCreated, events.Payload{
		ConversationID: result.Message.ConversationID,
		MessageID:      result.Message.ID,
	})
	if result.ConversationCreated {
		h.broker.Publish(events.ConversationChanged, events.Payload{
			ConversationID: result.Conversation.ID,
			Action:         events.ActionCreated,
		})
	}
	log.Info("webhook message ingested",
		slog.String(observability.LogFieldMessageID, result.Message.ID),
		slog.String("kind", string(kind)),
		slog.Bool("new_conversation", result.ConversationCreated))

	if err := c.JSON(http.StatusOK, map[string]any{
		"ok": true, "messageId": result.Message.ID,
	}); err != nil {
		return err
	}

	// The delivery is acknowledged; anything past here degrades to an
	// automation run record, never an HTTP error.
	if payload.Self {
		log.Debug("skipping automation for self-echoed message")
		return nil
	}
	if !h.store.AutomationEnabled() {
		return nil
	}
	h.queue.Enqueue(automation.Job{
		Trigger: store.TriggerWebhook,
		Message: result.Message,
	})
	return nil
}

// handleCallback accepts provider status callbacks. They are logged for
// operators and otherwise discarded.
func (h *Handler) handleCallback(c echo.Context) error {
	if err := h.gate(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apierr.BadRequest("failed to read request body")
	}
	preview := string(body)
	if len(preview) > 512 {
		preview = preview[:512]
	}
	h.logger.Info("provider callback received",
		slog.Int("bytes", len(body)),
		slog.String("payload", preview))
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
