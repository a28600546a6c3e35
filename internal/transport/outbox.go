package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"onboarding-agent/internal/domain"
)

// SchemeWeb is the channel answered through the HTTP /chat response.
const SchemeWeb = "web"

// OutboxMessage is a reply waiting to be returned to a web client.
type OutboxMessage struct {
	MessageID string    `json:"messageId"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sentAt"`
}

// ErrNoOpenRequest is returned by Send when no web request for the
// conversation is waiting for replies.
var ErrNoOpenRequest = errors.New("transport: no open web request for conversation")

// Outbox buffers replies per conversation until the request that caused them
// drains them into its response. Only conversations with an open request
// accept replies.
type Outbox struct {
	mu      sync.Mutex
	open    map[string]int
	pending map[string][]OutboxMessage
	now     func() time.Time
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{open: map[string]int{}, pending: map[string][]OutboxMessage{}, now: time.Now}
}

// Open registers a web request for conversationID. Every Open must be
// followed by a Drain.
func (o *Outbox) Open(conversationID string) {
	o.mu.Lock()
	o.open[conversationID]++
	o.mu.Unlock()
}

// Send queues text for conversationID.
func (o *Outbox) Send(_ context.Context, _, conversationID, text string) (domain.Receipt, error) {
	msg := OutboxMessage{MessageID: uuid.NewString(), Text: text, SentAt: o.now().UTC()}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.open[conversationID] == 0 {
		return domain.Receipt{}, ErrNoOpenRequest
	}
	o.pending[conversationID] = append(o.pending[conversationID], msg)
	return domain.Receipt{MessageID: msg.MessageID, Timestamp: msg.SentAt}, nil
}

// Drain returns and clears the queued replies of conversationID and closes
// one request opened for it.
func (o *Outbox) Drain(conversationID string) []OutboxMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.pending[conversationID]
	delete(o.pending, conversationID)
	if n := o.open[conversationID]; n > 1 {
		o.open[conversationID] = n - 1
	} else {
		delete(o.open, conversationID)
	}
	return msgs
}
