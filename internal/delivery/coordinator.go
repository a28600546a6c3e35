// Package delivery decides which reply candidates reach the user.
//
// Every producer (the scripted step handler, the free-text engine, fallbacks)
// submits through one Coordinator. For each conversation the coordinator
// keeps a DeliveryRecord and admits at most one candidate per turn.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"onboarding-agent/internal/domain"
)

// Reason explains why a candidate was suppressed.
type Reason string

const (
	ReasonHandlerInFlight    Reason = "HANDLER_IN_FLIGHT"
	ReasonAlreadyAnswered    Reason = "ALREADY_ANSWERED_TURN"
	ReasonDuplicateContent   Reason = "DUPLICATE_CONTENT"
	ReasonSupersededByAction Reason = "SUPERSEDED_BY_ACTION"
	ReasonTooSoon            Reason = "TOO_SOON_AFTER_PRIOR_REPLY"
)

// Default suppression windows.
const (
	DefaultContentDedupWindow = 10 * time.Second
	DefaultActionGraceWindow  = time.Second
	DefaultQuietWindow        = 10 * time.Second
)

// Transport delivers admitted text to the user.
type Transport interface {
	Send(ctx context.Context, conversationID, text string) (domain.Receipt, error)
}

// Decision is the outcome of Submit.
type Decision struct {
	Admitted bool
	Reason   Reason
	Receipt  domain.Receipt
}

// Config holds the suppression windows. A zero window disables its check.
type Config struct {
	ContentDedupWindow time.Duration
	ActionGraceWindow  time.Duration
	QuietWindow        time.Duration
}

// DefaultConfig returns the standard windows.
func DefaultConfig() Config {
	return Config{
		ContentDedupWindow: DefaultContentDedupWindow,
		ActionGraceWindow:  DefaultActionGraceWindow,
		QuietWindow:        DefaultQuietWindow,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger used for suppression events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// ErrEmptyCandidate is returned for candidates without a conversation or text.
var ErrEmptyCandidate = errors.New("delivery: candidate needs a conversation id and text")

// Coordinator serializes admission decisions per conversation.
type Coordinator struct {
	transport Transport
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	rec domain.DeliveryRecord
}

// NewCoordinator builds a Coordinator that sends through transport.
func NewCoordinator(transport Transport, cfg Config, opts ...Option) (*Coordinator, error) {
	if transport == nil {
		return nil, errors.New("delivery: transport must not be nil")
	}
	if cfg.ContentDedupWindow < 0 || cfg.ActionGraceWindow < 0 || cfg.QuietWindow < 0 {
		return nil, errors.New("delivery: windows must not be negative")
	}
	c := &Coordinator{
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		records:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Coordinator) lookup(conversationID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.records[conversationID]
	if !ok {
		e = &entry{}
		c.records[conversationID] = e
	}
	return e
}

// Submit decides whether candidate is delivered and, if admitted, hands it
// to the transport while the conversation's record is still locked. A failed
// send is returned as an error alongside the admitted decision; it is not
// retried.
func (c *Coordinator) Submit(ctx context.Context, candidate domain.Candidate) (Decision, error) {
	if candidate.ConversationID == "" || strings.TrimSpace(candidate.Text) == "" {
		return Decision{}, ErrEmptyCandidate
	}
	if candidate.ContentHash == "" {
		candidate.ContentHash = ContentHash(candidate.Text)
	}

	e := c.lookup(candidate.ConversationID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := c.now()
	if reason, ok := c.suppress(e.rec, candidate, now); ok {
		c.logger.Info("delivery suppressed",
			"conversation_id", candidate.ConversationID,
			"turn_id", candidate.TurnID,
			"producer", string(candidate.Producer),
			"reason", string(reason),
		)
		return Decision{Reason: reason}, nil
	}

	e.rec.LastAdmittedTurnID = candidate.TurnID
	e.rec.LastAdmittedAt = now
	e.rec.LastContentHash = candidate.ContentHash

	receipt, err := c.transport.Send(ctx, candidate.ConversationID, candidate.Text)
	if err != nil {
		c.logger.Warn("delivery send failed",
			"conversation_id", candidate.ConversationID,
			"turn_id", candidate.TurnID,
			"producer", string(candidate.Producer),
			"err", err,
		)
		return Decision{Admitted: true}, fmt.Errorf("delivery: Send: %w", err)
	}
	c.logger.Debug("delivery admitted",
		"conversation_id", candidate.ConversationID,
		"turn_id", candidate.TurnID,
		"producer", string(candidate.Producer),
		"message_id", receipt.MessageID,
	)
	return Decision{Admitted: true, Receipt: receipt}, nil
}

// suppress applies the admission checks in order and reports the first that
// rejects the candidate.
func (c *Coordinator) suppress(rec domain.DeliveryRecord, cand domain.Candidate, now time.Time) (Reason, bool) {
	if rec.LockHeld && rec.LockHolder != cand.Producer {
		return ReasonHandlerInFlight, true
	}

	withinGrace := rec.ActionExecutedAt != nil && c.cfg.ActionGraceWindow > 0 &&
		now.Sub(*rec.ActionExecutedAt) < c.cfg.ActionGraceWindow
	superseded := withinGrace && cand.Producer != domain.ProducerScripted

	if cand.TurnID != "" && rec.LastAdmittedTurnID == cand.TurnID {
		if superseded {
			return ReasonSupersededByAction, true
		}
		return ReasonAlreadyAnswered, true
	}

	if c.cfg.ContentDedupWindow > 0 && rec.LastContentHash != "" &&
		cand.ContentHash == rec.LastContentHash && now.Sub(rec.LastAdmittedAt) < c.cfg.ContentDedupWindow {
		return ReasonDuplicateContent, true
	}

	if withinGrace {
		if superseded {
			return ReasonSupersededByAction, true
		}
		return "", false
	}
	// Answers to the live turn are not stray follow-ups.
	if cand.TurnID != "" && cand.TurnID == rec.CurrentTurnID {
		return "", false
	}

	if c.cfg.QuietWindow > 0 && !rec.LastAdmittedAt.IsZero() && now.Sub(rec.LastAdmittedAt) < c.cfg.QuietWindow {
		return ReasonTooSoon, true
	}
	return "", false
}

// BeginHandler marks a state-mutating handler as running turnID for the
// conversation. Candidates from other producers are suppressed until
// EndHandler.
func (c *Coordinator) BeginHandler(conversationID, turnID string, producer domain.Producer) {
	e := c.lookup(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.LockHeld = true
	e.rec.LockHolder = producer
	e.rec.CurrentTurnID = turnID
}

// EndHandler clears the in-flight handler marker set for turnID. It is a
// no-op once a later turn has called BeginHandler.
func (c *Coordinator) EndHandler(conversationID, turnID string) {
	e := c.lookup(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.CurrentTurnID != turnID {
		return
	}
	e.rec.LockHeld = false
	e.rec.LockHolder = ""
}

// MarkActionExecuted records that the scripted handler acted at at. Within
// the grace window after it only scripted candidates are admitted.
func (c *Coordinator) MarkActionExecuted(conversationID string, at time.Time) {
	e := c.lookup(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.ActionExecutedAt = &at
}

// Record returns a snapshot of the conversation's delivery state.
func (c *Coordinator) Record(conversationID string) (domain.DeliveryRecord, bool) {
	c.mu.Lock()
	e, ok := c.records[conversationID]
	c.mu.Unlock()
	if !ok {
		return domain.DeliveryRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.rec
	if rec.ActionExecutedAt != nil {
		at := *rec.ActionExecutedAt
		rec.ActionExecutedAt = &at
	}
	return rec, true
}

// Forget drops the conversation's delivery state. Used by account deletion.
func (c *Coordinator) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, conversationID)
}
