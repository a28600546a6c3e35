package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/integrations/telegram"
	"onboarding-agent/internal/transport"
	"onboarding-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

var newUUID = func() string {
	return uuid.NewString()
}

type TurnHandler interface {
	Handle(ctx context.Context, ev domain.InboundEvent) (usecase.TurnResult, error)
	History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
}

// Outbox holds replies addressed to web conversations while their request
// is open.
type Outbox interface {
	Open(conversationID string)
	Drain(conversationID string) []transport.OutboxMessage
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	EventID        string `json:"eventId"`
}

type chatResponse struct {
	ConversationID string                    `json:"conversationId"`
	EventID        string                    `json:"eventId"`
	Step           domain.Step               `json:"step"`
	Duplicate      bool                      `json:"duplicate,omitempty"`
	Replies        []transport.OutboxMessage `json:"replies"`
}

type historyMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Producer  string    `json:"producer,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	ConversationID string           `json:"conversationId"`
	Messages       []historyMessage `json:"messages"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	turns  TurnHandler
	outbox Outbox
	logger *slog.Logger

	telegramEnabled bool
	telegramSecret  string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTelegramWebhook enables POST /webhook/telegram. Requests must carry
// secret in the Bot API secret header unless secret is empty.
func WithTelegramWebhook(secret string) Option {
	return func(h *Handler) {
		h.telegramEnabled = true
		h.telegramSecret = secret
	}
}

func NewHandler(turns TurnHandler, outbox Outbox, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn handler must not be nil")
	}
	if outbox == nil {
		return nil, errors.New("handler: outbox must not be nil")
	}
	h := &Handler{turns: turns, outbox: outbox, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = newUUID()
	}
	logger := h.logger.With("correlation_id", correlationID)

	path := strings.TrimRight(event.Path, "/")
	switch {
	case event.HTTPMethod == http.MethodPost && path == "/chat":
		return h.chat(ctx, logger, correlationID, event)
	case event.HTTPMethod == http.MethodGet && path == "/history":
		return h.history(ctx, logger, correlationID, event)
	case event.HTTPMethod == http.MethodPost && path == "/webhook/telegram" && h.telegramEnabled:
		return h.telegramWebhook(ctx, logger, correlationID, event)
	default:
		return jsonResponse(http.StatusNotFound, correlationID, errorResponse{Error: "NOT_FOUND"}), nil
	}
}

func (h *Handler) chat(ctx context.Context, logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "invalid_json",
		}), nil
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = newUUID()
	}

	h.outbox.Open(conversationID)
	res, err := h.turns.Handle(ctx, domain.InboundEvent{
		TransportID:    transport.TransportID(transport.SchemeWeb, conversationID),
		ConversationID: conversationID,
		EventID:        strings.TrimSpace(req.EventID),
		Text:           req.Message,
		Timestamp:      time.Now().UTC(),
	})
	replies := h.outbox.Drain(conversationID)
	if err != nil {
		return h.errorResponse(logger, correlationID, "chat", err), nil
	}
	if replies == nil {
		replies = []transport.OutboxMessage{}
	}

	logger.Info("chat turn handled",
		"conversation_id", res.ConversationID,
		"event_id", res.EventID,
		"step", res.Step,
		"duplicate", res.Duplicate,
		"replies", len(replies),
		"suppressed", len(res.Suppressed),
	)
	return jsonResponse(http.StatusOK, correlationID, chatResponse{
		ConversationID: res.ConversationID,
		EventID:        res.EventID,
		Step:           res.Step,
		Duplicate:      res.Duplicate,
		Replies:        replies,
	}), nil
}

func (h *Handler) history(ctx context.Context, logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	conversationID := strings.TrimSpace(event.QueryStringParameters["conversationId"])
	limit := 0
	if raw := event.QueryStringParameters["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
				Error:  string(usecase.ErrorInvalidInput),
				Reason: "invalid_limit",
			}), nil
		}
		limit = n
	}

	msgs, err := h.turns.History(ctx, conversationID, limit)
	if err != nil {
		return h.errorResponse(logger, correlationID, "history", err), nil
	}
	out := historyResponse{ConversationID: conversationID, Messages: make([]historyMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, historyMessage{
			Role:      m.Role,
			Text:      m.Text,
			Producer:  m.Producer,
			CreatedAt: m.CreatedAt,
		})
	}
	return jsonResponse(http.StatusOK, correlationID, out), nil
}

// telegramWebhook acknowledges every update it cannot apply, except transient
// failures, which Telegram redelivers.
func (h *Handler) telegramWebhook(ctx context.Context, logger *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !telegram.VerifySecret(h.telegramSecret, headerValue(event.Headers, telegram.SecretHeader)) {
		return jsonResponse(http.StatusUnauthorized, correlationID, errorResponse{Error: "UNAUTHORIZED"}), nil
	}
	ev, err := telegram.ParseUpdate([]byte(event.Body))
	if errors.Is(err, telegram.ErrIgnoredUpdate) {
		return jsonResponse(http.StatusOK, correlationID, map[string]bool{"ok": true}), nil
	}
	if err != nil {
		logger.Warn("telegram update rejected", "err", err)
		return jsonResponse(http.StatusOK, correlationID, map[string]bool{"ok": true}), nil
	}

	res, err := h.turns.Handle(ctx, ev)
	if err != nil {
		if retryable(err) {
			return h.errorResponse(logger, correlationID, "telegram", err), nil
		}
		logger.Warn("telegram turn dropped", "transport_id", ev.TransportID, "event_id", ev.EventID, "err", err)
		return jsonResponse(http.StatusOK, correlationID, map[string]bool{"ok": true}), nil
	}
	logger.Info("telegram turn handled",
		"conversation_id", res.ConversationID,
		"event_id", res.EventID,
		"step", res.Step,
		"duplicate", res.Duplicate,
		"replies", len(res.Replies),
	)
	return jsonResponse(http.StatusOK, correlationID, map[string]bool{"ok": true}), nil
}

func (h *Handler) errorResponse(logger *slog.Logger, correlationID, route string, err error) events.APIGatewayProxyResponse {
	code, ok := usecase.CodeOf(err)
	if !ok {
		code = usecase.ErrorInternal
	}
	reason := ""
	var ue *usecase.Error
	if errors.As(err, &ue) {
		reason = ue.Reason
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "route", route, "code", code, "reason", reason, "err", err)
	} else {
		logger.Warn("request rejected", "route", route, "code", code, "reason", reason, "err", err)
	}
	return jsonResponse(status, correlationID, errorResponse{Error: string(code), Reason: reason})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorTransientTransport, usecase.ErrorConcurrencyTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func retryable(err error) bool {
	code, ok := usecase.CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case usecase.ErrorTransientTransport, usecase.ErrorConcurrencyTimeout, usecase.ErrorPersistence:
		return true
	default:
		return false
	}
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}
