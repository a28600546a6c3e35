// Package telegram is a minimal Telegram Bot API client: it sends replies and
// turns webhook updates into inbound events.
package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/integrations/secret"
	"onboarding-agent/internal/transport"
)

const (
	defaultBaseURL       = "https://api.telegram.org"
	tokenParameterSuffix = "/telegram-bot-token"

	// SecretHeader carries the secret_token registered with setWebhook.
	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// ErrIgnoredUpdate marks updates that carry no text message.
var ErrIgnoredUpdate = errors.New("telegram: update has no text message")

// APIError is a Bot API response with ok=false.
type APIError struct {
	StatusCode  int
	ErrorCode   int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: api error %d: %s", e.ErrorCode, e.Description)
}

func (e *APIError) HTTPStatusCode() int { return e.StatusCode }

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      *secret.Token
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient reads the bot token from paramPrefix+"/telegram-bot-token".
func NewClient(ps secret.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("telegram: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("telegram: parameter prefix must not be empty")
	}
	token, err := secret.NewToken(ps, paramPrefix+tokenParameterSuffix)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ transport.TelegramSender = (*Client)(nil)

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendMessage posts text to chatID and returns the Telegram message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	if strings.TrimSpace(chatID) == "" {
		return 0, errors.New("telegram: chat id is required")
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	token, err := c.token.Get(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	url := c.baseURL + "/bot" + token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error embeds the URL, which contains the token.
		return fmt.Errorf("telegram: %s request failed: %w", method, redact(err, token))
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}
	var payload apiResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		if res.StatusCode >= 300 {
			return &APIError{StatusCode: res.StatusCode, ErrorCode: res.StatusCode, Description: http.StatusText(res.StatusCode)}
		}
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !payload.OK {
		return &APIError{StatusCode: res.StatusCode, ErrorCode: payload.ErrorCode, Description: payload.Description}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return fmt.Errorf("telegram: decode %s result: %w", method, err)
	}
	return nil
}

func redact(err error, token string) error {
	return errors.New(strings.ReplaceAll(err.Error(), token, "<token>"))
}

// Update is the subset of a Bot API update the webhook consumes.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

// ParseUpdate decodes a webhook body into an inbound event. The transport id
// is "tg:<chat id>" and the event id is derived from the update id, which
// Telegram reuses on redelivery.
func ParseUpdate(body []byte) (domain.InboundEvent, error) {
	var u Update
	if err := json.Unmarshal(body, &u); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("telegram: decode update: %w", err)
	}
	if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
		return domain.InboundEvent{}, ErrIgnoredUpdate
	}
	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	ev := domain.InboundEvent{
		TransportID: transport.TransportID(transport.SchemeTelegram, chatID),
		EventID:     "tg-" + strconv.FormatInt(u.UpdateID, 10),
		Text:        u.Message.Text,
	}
	if u.Message.Date > 0 {
		ev.Timestamp = time.Unix(u.Message.Date, 0).UTC()
	}
	return ev, nil
}

// VerifySecret reports whether got matches the configured webhook secret.
// An empty want accepts every request.
func VerifySecret(want, got string) bool {
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
