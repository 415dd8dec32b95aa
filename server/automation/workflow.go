package automation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/wkchat/wkchat/server/ai"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/server/internal/observability"
	"github.com/wkchat/wkchat/server/upstream"
	"github.com/wkchat/wkchat/store"
)

// Skip reasons recorded on skipped runs, alongside the shared error taxonomy.
const (
	skipUnsupportedKind   = "UNSUPPORTED_KIND"
	skipImageUnresolved   = "IMAGE_URL_UNRESOLVED"
	skipFileUnresolved    = "FILE_PAYLOAD_UNRESOLVED"
	skipAINotConfigured   = "AI_NOT_CONFIGURED"
	skipConversationGone  = "CONVERSATION_GONE"
	historyWindowMessages = 20
)

// Workflow executes one automation job end to end and records exactly one
// terminal AutomationRun. Errors never leave this package; the triggering
// request has long since been answered.
type Workflow struct {
	store    *store.Store
	broker   *events.Broker
	upstream *upstream.Client
	logger   *slog.Logger

	// completion is nil when no AI endpoint is configured.
	completion   *ai.Provider
	aiTimeout    time.Duration
	systemPrompt string
}

// NewWorkflow wires the workflow's collaborators. completion may be nil.
func NewWorkflow(st *store.Store, broker *events.Broker, up *upstream.Client, completion *ai.Provider, aiTimeout time.Duration, systemPrompt string, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	if aiTimeout <= 0 {
		aiTimeout = 30 * time.Second
	}
	return &Workflow{
		store:        st,
		broker:       broker,
		upstream:     up,
		logger:       logger,
		completion:   completion,
		aiTimeout:    aiTimeout,
		systemPrompt: systemPrompt,
	}
}

// outcome is the terminal state a step chain produced.
type outcome struct {
	status  store.RunStatus
	output  *string
	errCode string
	errMsg  string
	model   string
}

func success(outputID string, model string) outcome {
	out := outcome{status: store.RunSuccess, model: model}
	if outputID != "" {
		out.output = &outputID
	}
	return out
}

func failed(err error, outputID string, model string) outcome {
	out := outcome{
		status:  store.RunFailed,
		errCode: string(apierr.CodeOf(err, apierr.ErrCodeInternal)),
		errMsg:  err.Error(),
		model:   model,
	}
	if outputID != "" {
		out.output = &outputID
	}
	return out
}

func skipped(code, msg string) outcome {
	return outcome{status: store.RunSkipped, errCode: code, errMsg: msg}
}

// Run dispatches the job by message kind and writes the run record.
func (w *Workflow) Run(job Job) {
	started := time.Now().UnixMilli()
	log := observability.NewRequestContext(w.logger, job.Message.ConversationID)
	log.Info("automation run started",
		slog.String(observability.LogFieldTrigger, string(job.Trigger)),
		slog.String(observability.LogFieldMessageID, job.Message.ID),
		slog.String("kind", string(job.Message.Kind)))

	var result outcome
	switch job.Message.Kind {
	case store.KindText:
		result = w.runText(log, job)
	case store.KindImage:
		result = w.runImage(log, job)
	case store.KindFile:
		result = w.runFile(log, job)
	default:
		result = skipped(skipUnsupportedKind, "message kind is not automatable")
	}

	w.record(job, started, result)
	log.Info("automation run finished",
		slog.String("status", string(result.status)),
		slog.String(observability.LogFieldErrorCode, result.errCode),
		slog.Int64(observability.LogFieldDuration, log.DurationMs()))
}

// recordPanic converts a recovered panic into a failed run.
func (w *Workflow) recordPanic(job Job, detail string) {
	now := time.Now().UnixMilli()
	w.record(job, now, outcome{
		status:  store.RunFailed,
		errCode: string(apierr.ErrCodeInternal),
		errMsg:  "workflow panicked: " + detail,
	})
}

func (w *Workflow) record(job Job, started int64, result outcome) {
	run := &store.AutomationRun{
		ID:              shortuuid.New(),
		Trigger:         job.Trigger,
		ConversationID:  job.Message.ConversationID,
		InputMessageID:  job.Message.ID,
		OutputMessageID: result.output,
		Status:          result.status,
		StartedAt:       started,
		EndedAt:         time.Now().UnixMilli(),
		Model:           result.model,
	}
	if result.errCode != "" {
		run.Error = &store.RunError{Code: result.errCode, Message: result.errMsg}
	}
	w.store.AppendAutomationRun(run)
}

// address resolves the provider-side peer from the conversation id.
func (w *Workflow) address(conversationID string) (upstream.Address, error) {
	account, kind, peerID, err := store.ParseProviderConversationID(conversationID)
	if err != nil {
		return upstream.Address{}, apierr.BadConversationID(conversationID)
	}
	return upstream.Address{
		Account: account,
		PeerID:  peerID,
		Group:   kind == store.PeerGroup,
	}, nil
}

// ---- text ----

func (w *Workflow) runText(log *observability.RequestContext, job Job) outcome {
	addr, err := w.address(job.Message.ConversationID)
	if err != nil {
		return failed(err, "", "")
	}

	// Relay-only jobs ship the triggering message itself.
	if job.RelayOnly {
		ctx := context.Background()
		if err := w.upstream.SendText(ctx, addr, job.Message.Text); err != nil {
			return failed(err, "", "")
		}
		return success("", "")
	}

	if w.completion == nil {
		return skipped(skipAINotConfigured, "no completion endpoint configured")
	}
	if _, ok := w.store.GetConversation(job.Message.ConversationID); !ok {
		return skipped(skipConversationGone, "conversation deleted before the run started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.aiTimeout)
	reply, err := w.completion.Complete(ctx, w.Compose(job.Message.ConversationID))
	cancel()
	if err != nil {
		return failed(err, "", w.completion.Model())
	}

	outMsg := &store.Message{
		ID:             shortuuid.New(),
		ConversationID: job.Message.ConversationID,
		Direction:      store.DirectionOutbound,
		Source:         store.SourceAI,
		Kind:           store.KindText,
		Text:           reply,
	}
	stored, ok := w.store.AppendMessage(outMsg, false)
	if !ok {
		return skipped(skipConversationGone, "conversation deleted before the reply was stored")
	}
	w.broker.Publish(events.MessageCreated, events.Payload{
		ConversationID: stored.ConversationID,
		MessageID:      stored.ID,
	})
	log.Info("AI reply persisted", slog.String(observability.LogFieldMessageID, stored.ID))

	if err := w.upstream.SendText(context.Background(), addr, reply); err != nil {
		return failed(err, stored.ID, w.completion.Model())
	}
	return success(stored.ID, w.completion.Model())
}

// Compose builds the truncated recent-history prompt, oldest-first. It is
// shared with the synchronous ai-reply endpoint.
func (w *Workflow) Compose(conversationID string) []ai.Message {
	history := w.store.ListMessages(conversationID, historyWindowMessages)
	messages := make([]ai.Message, 0, len(history)+1)
	if w.systemPrompt != "" {
		messages = append(messages, ai.Message{Role: ai.RoleSystem, Content: w.systemPrompt})
	}
	for _, m := range history {
		if m.Kind != store.KindText || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := ai.RoleUser
		if m.Direction == store.DirectionOutbound {
			role = ai.RoleAssistant
		}
		messages = append(messages, ai.Message{Role: role, Content: m.Text})
	}
	return messages
}

// ---- image ----

func (w *Workflow) runImage(log *observability.RequestContext, job Job) outcome {
	src := ""
	if job.Message.Image != nil {
		src = job.Message.Image.DataURL
	}
	if !isHTTPURL(src) {
		return skipped(skipImageUnresolved, "inbound image payload is not an http(s) URL")
	}
	addr, err := w.address(job.Message.ConversationID)
	if err != nil {
		return failed(err, "", "")
	}

	ctx := context.Background()
	cdnURL, err := w.upstream.UploadImageToCDN(ctx, addr, src)
	if err != nil {
		return failed(err, "", "")
	}
	log.Debug("image re-hosted on provider CDN")

	var echoID string
	if !job.RelayOnly {
		echo := &store.Message{
			ID:             shortuuid.New(),
			ConversationID: job.Message.ConversationID,
			Direction:      store.DirectionOutbound,
			Source:         store.SourceSystem,
			Kind:           store.KindImage,
			Image:          &store.ImagePayload{DataURL: cdnURL, Alt: "relayed image"},
		}
		stored, ok := w.store.AppendMessage(echo, false)
		if !ok {
			return skipped(skipConversationGone, "conversation deleted before the echo was stored")
		}
		echoID = stored.ID
		w.broker.Publish(events.MessageCreated, events.Payload{
			ConversationID: stored.ConversationID,
			MessageID:      stored.ID,
		})
	}

	if err := w.upstream.SendImage(ctx, addr, cdnURL); err != nil {
		return failed(err, echoID, "")
	}
	return success(echoID, "")
}

// ---- file ----

func (w *Workflow) runFile(log *observability.RequestContext, job Job) outcome {
	payload := job.Message.File
	if payload == nil || payload.DataURL == "" {
		return skipped(skipFileUnresolved, "inbound file payload is empty")
	}
	embedded := strings.HasPrefix(payload.DataURL, "data:")
	if !embedded && !isHTTPURL(payload.DataURL) {
		return skipped(skipFileUnresolved, "inbound file payload is neither embedded base64 nor an http(s) URL")
	}
	addr, err := w.address(job.Message.ConversationID)
	if err != nil {
		return failed(err, "", "")
	}

	// The echo is persisted before the relay attempt so the operator sees the
	// file regardless of the provider call's fate.
	var echoID string
	if !job.RelayOnly {
		echo := &store.Message{
			ID:             shortuuid.New(),
			ConversationID: job.Message.ConversationID,
			Direction:      store.DirectionOutbound,
			Source:         store.SourceSystem,
			Kind:           store.KindFile,
			File:           &store.FilePayload{Name: payload.Name, Mime: payload.Mime, DataURL: payload.DataURL},
		}
		stored, ok := w.store.AppendMessage(echo, false)
		if !ok {
			return skipped(skipConversationGone, "conversation deleted before the echo was stored")
		}
		echoID = stored.ID
		w.broker.Publish(events.MessageCreated, events.Payload{
			ConversationID: stored.ConversationID,
			MessageID:      stored.ID,
		})
	}

	ctx := context.Background()
	if embedded {
		b64 := payload.DataURL
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
		err = w.upstream.SendFileBase64(ctx, addr, payload.Name, b64)
	} else {
		err = w.upstream.SendFileByURL(ctx, addr, payload.Name, payload.DataURL)
	}
	if err != nil {
		return failed(err, echoID, "")
	}
	return success(echoID, "")
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
