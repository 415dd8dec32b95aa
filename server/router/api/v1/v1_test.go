package v1

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wkchat/wkchat/internal/profile"
	"github.com/wkchat/wkchat/server/ai"
	"github.com/wkchat/wkchat/server/automation"
	"github.com/wkchat/wkchat/server/events"
	apierr "github.com/wkchat/wkchat/server/internal/errors"
	"github.com/wkchat/wkchat/server/upstream"
	"github.com/wkchat/wkchat/store"
)

type nullDriver struct{}

func (nullDriver) Load() (*store.Snapshot, error) { return nil, nil }
func (nullDriver) Save(*store.Snapshot) error     { return nil }

type serviceEnv struct {
	service *APIV1Service
	store   *store.Store
	broker  *events.Broker
	queue   *automation.Queue
	echo    *echo.Echo
}

type envOptions struct {
	completion *ai.Provider
	catalog    *upstream.Catalog
	maxDataURL int64
}

func newServiceEnv(t *testing.T, opts envOptions) *serviceEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &profile.Profile{
		Mode:     "dev",
		Data:     t.TempDir(),
		APIToken: "tok-123",
	}
	require.NoError(t, p.Validate())
	if opts.maxDataURL > 0 {
		p.DataURLMaxBytes = opts.maxDataURL
	}

	st := store.New(nullDriver{}, logger)
	t.Cleanup(st.Close)
	broker := events.NewBroker(logger)
	t.Cleanup(broker.Close)

	catalog := opts.catalog
	if catalog == nil {
		catalog = upstream.NewCatalogFromOperations(nil)
	}
	client := upstream.NewClient(&upstream.Config{Timeout: 5 * time.Second}, catalog)
	workflow := automation.NewWorkflow(st, broker, client, opts.completion, 5*time.Second, "", logger)
	queue := automation.NewQueue(workflow, logger)
	t.Cleanup(queue.Close)

	svc := NewAPIV1Service(p, st, broker, client, queue, workflow, opts.completion, logger)
	return &serviceEnv{service: svc, store: st, broker: broker, queue: queue, echo: echo.New()}
}

func (env *serviceEnv) request(method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return env.echo.NewContext(req, rec), rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// ---- auth ----

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	c, _ := env.request(http.MethodPost, "/api/auth/login", `{"password":"nope"}`)
	err := env.service.Login(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUnauthorized))
}

func TestLoginIssuesSessionCookie(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	c, rec := env.request(http.MethodPost, "/api/auth/login", `{"password":"tok-123"}`)
	require.NoError(t, env.service.Login(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, env.service.sessions.valid(cookies[0].Value))
}

func TestAuthenticatedAcceptsBearerToken(t *testing.T) {
	env := newServiceEnv(t, envOptions{})

	c, _ := env.request(http.MethodGet, "/api/conversations", "")
	assert.False(t, env.service.authenticated(c))

	c, _ = env.request(http.MethodGet, "/api/conversations", "")
	c.Request().Header.Set("Authorization", "Bearer tok-123")
	assert.True(t, env.service.authenticated(c))

	c, _ = env.request(http.MethodGet, "/api/conversations", "")
	c.Request().Header.Set("Authorization", "Bearer wrong")
	assert.False(t, env.service.authenticated(c))
}

func TestAuthenticatedAcceptsQueryTokenOnEventsOnly(t *testing.T) {
	env := newServiceEnv(t, envOptions{})

	c, _ := env.request(http.MethodGet, "/api/events?token=tok-123", "")
	c.SetPath("/api/events")
	assert.True(t, env.service.authenticated(c))

	c, _ = env.request(http.MethodGet, "/api/conversations?token=tok-123", "")
	c.SetPath("/api/conversations")
	assert.False(t, env.service.authenticated(c), "query token is an SSE-only concession")
}

func TestLogoutRevokesSession(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	id := env.service.sessions.issue()

	c, _ := env.request(http.MethodPost, "/api/auth/logout", "")
	c.Request().AddCookie(&http.Cookie{Name: SessionCookieName, Value: id})
	require.NoError(t, env.service.Logout(c))
	assert.False(t, env.service.sessions.valid(id))
}

// ---- conversations ----

func TestConversationLifecycle(t *testing.T) {
	env := newServiceEnv(t, envOptions{})

	c, rec := env.request(http.MethodPost, "/api/conversations", `{"title":"scratch"}`)
	require.NoError(t, env.service.CreateConversation(c))
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	c, rec = env.request(http.MethodGet, "/api/conversations", "")
	require.NoError(t, env.service.ListConversations(c))
	assert.Contains(t, rec.Body.String(), "scratch")

	c, _ = env.request(http.MethodPost, "/api/conversations/"+id+"/pinned", `{"pinned":true}`)
	c.SetParamNames("id")
	c.SetParamValues(id)
	require.NoError(t, env.service.SetConversationPinned(c))
	conv, ok := env.store.GetConversation(id)
	require.True(t, ok)
	assert.True(t, conv.Pinned)

	c, _ = env.request(http.MethodDelete, "/api/conversations/"+id, "")
	c.SetParamNames("id")
	c.SetParamValues(id)
	require.NoError(t, env.service.DeleteConversation(c))
	_, ok = env.store.GetConversation(id)
	assert.False(t, ok)
}

func TestCreateConversationRequiresTitle(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	c, _ := env.request(http.MethodPost, "/api/conversations", `{"title":"  "}`)
	err := env.service.CreateConversation(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeBadRequest))
}

func TestMarkConversationRead(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")

	c, _ := env.request(http.MethodPost, "/api/conversations/acct:u:alice/read", "")
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	require.NoError(t, env.service.MarkConversationRead(c))

	conv, ok := env.store.GetConversation("acct:u:alice")
	require.True(t, ok)
	assert.Zero(t, conv.UnreadCount)
}

func seedProviderConversation(t *testing.T, env *serviceEnv, id string) {
	t.Helper()
	result := env.store.IngestWebhookMessage("seed:"+id, &store.Conversation{ID: id, Title: "peer"}, &store.Message{
		ID: "seed-" + id, ConversationID: id,
		Direction: store.DirectionInbound, Source: store.SourceWebhook,
		Kind: store.KindText, Text: "hi",
	})
	require.False(t, result.Deduped)
}

// ---- messages ----

func TestSendMessageQueuesRelayForProviderConversation(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")

	c, rec := env.request(http.MethodPost, "/api/conversations/acct:u:alice/messages", `{"text":"hello from the console"}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	require.NoError(t, env.service.SendMessage(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.queue.Drain()
	runs := env.store.ListAutomationRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerHumanSend, runs[0].Trigger)
	// The test env has no catalog, so the relay itself fails, but the run is
	// recorded and the message stays stored.
	assert.Equal(t, store.RunFailed, runs[0].Status)
	require.NotNil(t, runs[0].Error)
	assert.Equal(t, string(apierr.ErrCodeCatalogUnavailable), runs[0].Error.Code)
	assert.Len(t, env.store.ListMessages("acct:u:alice", 0), 2)
}

func TestSendMessageManualConversationSkipsRelay(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	_, ok := env.store.CreateConversation(&store.Conversation{ID: "scratch1", Title: "scratch"})
	require.True(t, ok)

	c, _ := env.request(http.MethodPost, "/api/conversations/scratch1/messages", `{"text":"note to self"}`)
	c.SetParamNames("id")
	c.SetParamValues("scratch1")
	require.NoError(t, env.service.SendMessage(c))

	env.queue.Drain()
	assert.Empty(t, env.store.ListAutomationRuns(0))
}

func TestSendMessageValidation(t *testing.T) {
	env := newServiceEnv(t, envOptions{maxDataURL: 64})
	seedProviderConversation(t, env, "acct:u:alice")

	c, _ := env.request(http.MethodPost, "/x", `{"text":"   "}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	err := env.service.SendMessage(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeBadRequest))

	huge := `{"image":{"dataUrl":"data:image/png;base64,` + strings.Repeat("A", 100) + `"}}`
	c, _ = env.request(http.MethodPost, "/x", huge)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	err = env.service.SendMessage(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeDataURLTooLarge))

	c, _ = env.request(http.MethodPost, "/x", `{"text":"hi"}`)
	c.SetParamNames("id")
	c.SetParamValues("ghost")
	err = env.service.SendMessage(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeNotFound))
}

func TestListMessagesLimitValidation(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")

	c, _ := env.request(http.MethodGet, "/x?limit=abc", "")
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	err := env.service.ListMessages(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeBadRequest))
}

// ---- hydrate ----

func TestHydrateNoOpForEmbeddedMedia(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")
	msg, ok := env.store.AppendMessage(&store.Message{
		ID: "m-img", ConversationID: "acct:u:alice", Kind: store.KindImage,
		Image: &store.ImagePayload{DataURL: "data:image/png;base64,AAAA"},
	}, false)
	require.True(t, ok)

	c, rec := env.request(http.MethodPost, "/x", "")
	c.SetParamNames("id")
	c.SetParamValues(msg.ID)
	require.NoError(t, env.service.HydrateMessage(c))
	assert.Contains(t, rec.Body.String(), "data:image/png;base64,AAAA")
}

func TestHydrateDownloadsExternalMedia(t *testing.T) {
	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("pngbytes"))
	}))
	defer fileServer.Close()

	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")
	msg, ok := env.store.AppendMessage(&store.Message{
		ID: "m-img", ConversationID: "acct:u:alice", Kind: store.KindImage,
		Image: &store.ImagePayload{DataURL: fileServer.URL + "/cat.png"},
	}, false)
	require.True(t, ok)

	c, rec := env.request(http.MethodPost, "/x", "")
	c.SetParamNames("id")
	c.SetParamValues(msg.ID)
	require.NoError(t, env.service.HydrateMessage(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	updated, ok := env.store.GetMessage(msg.ID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(updated.Image.DataURL, "data:image/png;base64,"))
}

func TestHydrateEnforcesSizeCap(t *testing.T) {
	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer fileServer.Close()

	env := newServiceEnv(t, envOptions{maxDataURL: 1024})
	seedProviderConversation(t, env, "acct:u:alice")
	msg, ok := env.store.AppendMessage(&store.Message{
		ID: "m-big", ConversationID: "acct:u:alice", Kind: store.KindFile,
		File: &store.FilePayload{Name: "big.bin", DataURL: fileServer.URL + "/big.bin"},
	}, false)
	require.True(t, ok)

	c, _ := env.request(http.MethodPost, "/x", "")
	c.SetParamNames("id")
	c.SetParamValues(msg.ID)
	err := env.service.HydrateMessage(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeDataURLTooLarge))
}

// ---- automation & upstream ----

func TestAutomationStatusToggle(t *testing.T) {
	env := newServiceEnv(t, envOptions{})

	c, rec := env.request(http.MethodGet, "/api/automation/status", "")
	require.NoError(t, env.service.GetAutomationStatus(c))
	assert.Contains(t, rec.Body.String(), `"enabled":false`)

	c, _ = env.request(http.MethodPost, "/api/automation/status", `{"enabled":true}`)
	require.NoError(t, env.service.SetAutomationStatus(c))
	assert.True(t, env.store.AutomationEnabled())
}

func TestCallUpstreamUnknownOperation(t *testing.T) {
	catalog := upstream.NewCatalogFromOperations([]upstream.Operation{
		{ID: upstream.OpSendText, Method: http.MethodPost, Path: "/sendText"},
	})
	env := newServiceEnv(t, envOptions{catalog: catalog})

	c, _ := env.request(http.MethodPost, "/api/upstream/call", `{"operationId":"sendVoice","params":{}}`)
	err := env.service.CallUpstream(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUnknownOperationID))
}

func TestCallUpstreamRequiresOperationID(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	c, _ := env.request(http.MethodPost, "/api/upstream/call", `{"params":{}}`)
	err := env.service.CallUpstream(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeBadRequest))
}

func TestListUpstreamOperations(t *testing.T) {
	catalog := upstream.NewCatalogFromOperations([]upstream.Operation{
		{ID: upstream.OpSendText, Method: http.MethodPost, Path: "/sendText"},
	})
	env := newServiceEnv(t, envOptions{catalog: catalog})

	c, rec := env.request(http.MethodGet, "/api/upstream/operations", "")
	require.NoError(t, env.service.ListUpstreamOperations(c))
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["available"])
	assert.Contains(t, rec.Body.String(), "sendText")
}

// ---- ai reply ----

func newTestCompletion(t *testing.T, reply string) *ai.Provider {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}},
			},
		})
	}))
	t.Cleanup(server.Close)
	return ai.NewProvider(&ai.Config{BaseURL: server.URL, APIKey: "test", Model: "test-model"})
}

func TestAIReplyReturnOnly(t *testing.T) {
	env := newServiceEnv(t, envOptions{completion: newTestCompletion(t, "drafted reply")})
	seedProviderConversation(t, env, "acct:u:alice")

	c, rec := env.request(http.MethodPost, "/x", `{"mode":"return_only"}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	require.NoError(t, env.service.AIReply(c))

	body := decodeBody(t, rec)
	assert.Equal(t, "drafted reply", body["reply"])
	// return_only leaves the conversation untouched.
	assert.Len(t, env.store.ListMessages("acct:u:alice", 0), 1)
}

func TestAIReplyPersistStoresAndQueuesRelay(t *testing.T) {
	env := newServiceEnv(t, envOptions{completion: newTestCompletion(t, "persisted reply")})
	seedProviderConversation(t, env, "acct:u:alice")

	c, rec := env.request(http.MethodPost, "/x", `{"mode":"persist"}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	require.NoError(t, env.service.AIReply(c))
	assert.Contains(t, rec.Body.String(), "persisted reply")

	msgs := env.store.ListMessages("acct:u:alice", 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.SourceAI, msgs[1].Source)

	env.queue.Drain()
	runs := env.store.ListAutomationRuns(0)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerManual, runs[0].Trigger)
}

func TestAIReplyRejectsUnknownMode(t *testing.T) {
	env := newServiceEnv(t, envOptions{completion: newTestCompletion(t, "x")})
	seedProviderConversation(t, env, "acct:u:alice")

	c, _ := env.request(http.MethodPost, "/x", `{"mode":"yolo"}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	err := env.service.AIReply(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeBadRequest))
}

func TestAIReplyWithoutCompletionEndpoint(t *testing.T) {
	env := newServiceEnv(t, envOptions{})
	seedProviderConversation(t, env, "acct:u:alice")

	c, _ := env.request(http.MethodPost, "/x", `{"mode":"return_only"}`)
	c.SetParamNames("id")
	c.SetParamValues("acct:u:alice")
	err := env.service.AIReply(c)
	assert.True(t, apierr.IsCode(err, apierr.ErrCodeUpstreamNotConfigured))
}
