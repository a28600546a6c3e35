// Package notify posts completed profiles to downstream webhooks: the welcome
// email service and the match request queue.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"onboarding-agent/internal/domain"
)

const (
	EventProfileCompleted = "profile.completed"
	EventMatchRequested   = "match.requested"

	SignatureHeader = "X-Onboarding-Signature"
	DeliveryHeader  = "X-Onboarding-Delivery"
)

var newUUID = func() string { return uuid.NewString() }

type payload struct {
	Event          string                     `json:"event"`
	ConversationID string                     `json:"conversationId"`
	PrimaryID      string                     `json:"primaryId,omitempty"`
	Profile        domain.ConversationProfile `json:"profile"`
	SentAt         time.Time                  `json:"sentAt"`
}

// Webhook posts one event type to one URL.
type Webhook struct {
	url        string
	event      string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Webhook)

// WithSecret signs each body with HMAC-SHA256 in SignatureHeader.
func WithSecret(secret string) Option {
	return func(w *Webhook) {
		if secret != "" {
			w.secret = []byte(secret)
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(w *Webhook) {
		if c != nil {
			w.httpClient = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Webhook) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWebhook(rawURL, event string, opts ...Option) (*Webhook, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", rawURL)
	}
	if strings.TrimSpace(event) == "" {
		return nil, errors.New("notify: event must not be empty")
	}
	w := &Webhook{
		url:        rawURL,
		event:      event,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Webhook) Event() string { return w.event }

// Send posts p. It has the shape of a completion hook.
func (w *Webhook) Send(ctx context.Context, p domain.ConversationProfile) error {
	if !p.Completed() {
		return fmt.Errorf("notify: %s: profile %s is not completed", w.event, p.ConversationID)
	}
	primary := p.LinkedPrimaryUserID
	if primary == "" {
		primary = p.ConversationID
	}
	body, err := json.Marshal(payload{
		Event:          w.event,
		ConversationID: p.ConversationID,
		PrimaryID:      primary,
		Profile:        p,
		SentAt:         w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", w.event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: create %s request: %w", w.event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, newUUID())
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	res, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s request failed: %w", w.event, err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("notify: %s: unexpected status %d: %s", w.event, res.StatusCode, strings.TrimSpace(string(buf)))
	}
	return nil
}

// Sign returns "sha256=<hex hmac>" of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
