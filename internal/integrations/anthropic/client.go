// Package anthropic adapts the Anthropic Messages API to the free-text
// engine's chat interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/integrations/secret"
)

const (
	tokenParameterSuffix = "/anthropic-token"
	defaultMaxTokens     = 512
)

// StatusError carries the HTTP status of a failed API call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("anthropic: status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// Client answers chat requests with Claude models. The API key is read from
// the parameter store on first use.
type Client struct {
	sdk       anthropic.Client
	token     *secret.Token
	maxTokens int64
}

type Option func(*clientConfig)

type clientConfig struct {
	requestOpts []option.RequestOption
	maxTokens   int64
}

func WithBaseURL(url string) Option {
	return func(c *clientConfig) {
		c.requestOpts = append(c.requestOpts, option.WithBaseURL(url))
	}
}

func WithMaxRetries(n int) Option {
	return func(c *clientConfig) {
		c.requestOpts = append(c.requestOpts, option.WithMaxRetries(n))
	}
}

func WithMaxTokens(n int64) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func NewClient(ps secret.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("anthropic: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("anthropic: parameter prefix must not be empty")
	}
	token, err := secret.NewToken(ps, paramPrefix+tokenParameterSuffix)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	cfg := clientConfig{maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		sdk:       anthropic.NewClient(cfg.requestOpts...),
		token:     token,
		maxTokens: cfg.maxTokens,
	}, nil
}

// Chat sends messages to model. System messages become the system prompt;
// user and assistant messages keep their order.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("anthropic: model must not be empty")
	}
	system, turns := splitMessages(messages)
	if len(turns) == 0 {
		return "", errors.New("anthropic: no user or assistant messages")
	}
	apiKey, err := c.token.Get(ctx)
	if err != nil {
		return "", err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  turns,
	}
	if len(system) > 0 {
		params.System = system
	}

	resp, err := c.sdk.Messages.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", &StatusError{StatusCode: apiErr.StatusCode, Err: err}
		}
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		return "", errors.New("anthropic: response truncated")
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	text := stripCodeFence(b.String())
	if text == "" {
		return "", errors.New("anthropic: empty response")
	}
	return text, nil
}

func splitMessages(messages []domain.ChatMessage) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: text})
		case domain.RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	return system, turns
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
