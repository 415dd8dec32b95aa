// Package ai wraps the OpenAI-compatible completion endpoint used for
// automated replies.
package ai

import (
	"context"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

// Config holds the completion provider configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Message is one chat turn sent to the completion endpoint.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider calls the completion endpoint. It never retries: the API is
// metered and a retried call risks double billing; retry decisions belong to
// the caller.
type Provider struct {
	client *openai.Client
	model  string
}

// NewProvider creates a completion provider.
func NewProvider(cfg *Config) *Provider {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// Model returns the configured model descriptor.
func (p *Provider) Model() string {
	return p.model
}

// Complete performs one chat completion bound by ctx. Timeouts, upstream
// failures and malformed responses come back as distinct structured errors.
func (p *Provider) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &apierr.Error{Code: apierr.ErrCodeAIBadResponse, Message: "completion response has no content"}
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps a transport error onto the AI error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(err, apierr.ErrCodeAITimeout, "completion call timed out")
	}
	var upstream *openai.APIError
	if errors.As(err, &upstream) {
		slog.Debug("completion upstream error",
			"status", upstream.HTTPStatusCode,
			"message", truncate(upstream.Message, 200))
		return apierr.Wrap(err, apierr.ErrCodeAIUpstreamError, truncate(upstream.Message, 200))
	}
	return apierr.Wrap(err, apierr.ErrCodeAIUpstreamError, "completion call failed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
