package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"onboarding-agent/internal/convlock"
	"onboarding-agent/internal/delivery"
	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/flow"
)

const (
	defaultTurnTimeout  = 30 * time.Second
	defaultRecentEvents = 20
)

// derivedNamespace seeds conversation ids derived from transport ids.
var derivedNamespace = uuid.MustParse("6f4c2b1e-8d3a-4e57-9b20-3c1d7a5e9f08")

var newUUID = func() string {
	return uuid.NewString()
}

type IdentityResolver interface {
	Record(ctx context.Context, transportID, conversationID string) error
	ConversationFor(ctx context.Context, transportID string) (string, bool)
}

type TurnLocker interface {
	Acquire(ctx context.Context, key string) (convlock.Release, error)
}

type Deliverer interface {
	Submit(ctx context.Context, c domain.Candidate) (delivery.Decision, error)
	BeginHandler(conversationID, turnID string, producer domain.Producer)
	EndHandler(conversationID, turnID string)
	MarkActionExecuted(conversationID string, at time.Time)
	Forget(conversationID string)
}

type FreeTextEngine interface {
	Generate(ctx context.Context, in FreeTextRequest) (string, error)
}

// CompletionHook is called once a profile reaches COMPLETED. Hooks run in the
// background and their failures never affect the turn.
type CompletionHook func(ctx context.Context, p domain.ConversationProfile) error

type Dependencies struct {
	Engine   *flow.Engine
	Store    ProfileStore
	Identity IdentityResolver
	Locker   TurnLocker
	Delivery Deliverer
	// FreeText is optional.
	FreeText FreeTextEngine
	Logger   *slog.Logger
}

type DispatcherConfig struct {
	TurnTimeout  time.Duration
	RecentEvents int
	HistoryLimit int
	Clock        func() time.Time
}

// Reply is a candidate that was admitted and sent.
type Reply struct {
	Producer domain.Producer
	Text     string
	Receipt  domain.Receipt
}

// Suppression is a candidate the delivery coordinator rejected.
type Suppression struct {
	Producer domain.Producer
	Reason   delivery.Reason
}

type TurnResult struct {
	ConversationID string
	EventID        string
	Step           domain.Step
	Duplicate      bool
	Replies        []Reply
	Suppressed     []Suppression
}

type namedHook struct {
	name string
	fn   CompletionHook
}

// Dispatcher runs every inbound turn: resolve, lock, advance, persist,
// submit, release.
type Dispatcher struct {
	engine   *flow.Engine
	store    ProfileStore
	identity IdentityResolver
	locker   TurnLocker
	delivery Deliverer
	freeText FreeTextEngine
	logger   *slog.Logger
	cfg      DispatcherConfig

	hooks  []namedHook
	hookWG sync.WaitGroup
}

func NewDispatcher(d Dependencies, cfg DispatcherConfig) (*Dispatcher, error) {
	if d.Engine == nil {
		return nil, errors.New("usecase: step engine must not be nil")
	}
	if d.Store == nil {
		return nil, errors.New("usecase: profile store must not be nil")
	}
	if d.Identity == nil {
		return nil, errors.New("usecase: identity resolver must not be nil")
	}
	if d.Locker == nil {
		return nil, errors.New("usecase: turn locker must not be nil")
	}
	if d.Delivery == nil {
		return nil, errors.New("usecase: delivery coordinator must not be nil")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = defaultRecentEvents
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Dispatcher{
		engine:   d.Engine,
		store:    d.Store,
		identity: d.Identity,
		locker:   d.Locker,
		delivery: d.Delivery,
		freeText: d.FreeText,
		logger:   d.Logger,
		cfg:      cfg,
	}, nil
}

// OnCompleted registers a completion hook. Register hooks before handling turns.
func (d *Dispatcher) OnCompleted(name string, hook CompletionHook) {
	d.hooks = append(d.hooks, namedHook{name: name, fn: hook})
}

// WaitHooks blocks until every started completion hook has returned.
func (d *Dispatcher) WaitHooks() {
	d.hookWG.Wait()
}

// Handle processes one inbound event. Redelivery of an already applied event
// is reported as a duplicate and produces no reply.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.InboundEvent) (TurnResult, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return TurnResult{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if strings.TrimSpace(ev.TransportID) == "" && strings.TrimSpace(ev.ConversationID) == "" {
		return TurnResult{}, newError(ErrorInvalidInput, "missing_conversation", nil)
	}

	convID := d.resolve(ctx, ev)
	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		eventID = newUUID()
	}
	res := TurnResult{ConversationID: convID, EventID: eventID}
	log := d.logger.With("conversation_id", convID, "event_id", eventID)

	turnCtx, cancel := context.WithTimeout(ctx, d.cfg.TurnTimeout)
	defer cancel()

	release, err := d.locker.Acquire(turnCtx, convID)
	if err != nil {
		log.Warn("turn dropped: conversation lock not acquired", "err", err)
		return res, newError(ErrorConcurrencyTimeout, "lock_timeout", err)
	}
	stopForce := context.AfterFunc(turnCtx, func() {
		log.Warn("turn exceeded its deadline; forcing lock release")
		release()
	})
	defer func() {
		stopForce()
		release()
	}()

	d.delivery.BeginHandler(convID, eventID, domain.ProducerScripted)
	handlerActive := true
	endHandler := func() {
		if handlerActive {
			handlerActive = false
			d.delivery.EndHandler(convID, eventID)
		}
	}
	defer endHandler()

	profile, found, err := d.store.GetProfile(turnCtx, convID)
	if err != nil {
		return res, turnError(turnCtx, ErrorTransientTransport, "profile_read_error", err)
	}
	if !found {
		profile = domain.ConversationProfile{ConversationID: convID}
	}
	if profile.SeenEvent(eventID) {
		log.Info("duplicate inbound event ignored")
		res.Duplicate = true
		res.Step = profile.CurrentStep()
		return res, nil
	}

	var free *freeTextCall
	if d.freeText != nil && freeTextAllowed(profile) {
		free = d.startFreeText(turnCtx, profile, text)
	}
	defer free.stop()

	now := d.cfg.Clock()
	tr, err := d.engine.Advance(turnCtx, flow.Input{
		Profile: profile,
		Step:    profile.CurrentStep(),
		Text:    text,
		Now:     now,
	})
	if errors.Is(err, flow.ErrDirectory) {
		return res, turnError(turnCtx, ErrorTransientTransport, "directory_lookup_error", err)
	}
	if err != nil {
		return res, turnError(turnCtx, ErrorInternal, "step_engine_error", err)
	}

	next := tr.Profile
	next.ConversationID = convID
	next.RememberEvent(eventID, d.cfg.RecentEvents)
	next.UpdatedAt = now
	received := ev.Timestamp
	if received.IsZero() {
		received = now
	}
	commit := domain.TurnCommit{
		Profile: next,
		Inbound: domain.Message{
			ConversationID: convID,
			EventID:        eventID,
			Role:           domain.RoleUser,
			Text:           text,
			CreatedAt:      received,
		},
		Alias: tr.Alias,
	}
	if profile.ClaimedName != "" && profile.ClaimedName != next.ClaimedName {
		commit.ReleasedClaimedName = profile.ClaimedName
	}

	// A force-released turn must not write or reply.
	if err := turnCtx.Err(); err != nil {
		return res, newError(ErrorConcurrencyTimeout, "turn_timeout", err)
	}
	if err := d.store.SaveTurn(turnCtx, commit); err != nil {
		log.Error("turn not persisted; no reply submitted", "err", err)
		return res, turnError(turnCtx, ErrorPersistence, "profile_write_error", err)
	}
	res.Step = tr.Next

	var sendErr error
	answered := false
	if tr.HasReply {
		d.delivery.MarkActionExecuted(convID, d.cfg.Clock())
		answered, sendErr = d.submit(turnCtx, &res, eventID, domain.ProducerScripted, tr.Reply)
	}
	endHandler()
	release()

	if tr.Completed {
		d.fireCompletion(ctx, next)
	}

	if free != nil && (tr.SuppressFreeText || tr.Delta.Reset) {
		free.stop()
		free = nil
	}
	if free != nil {
		answer, err := free.wait(turnCtx)
		switch {
		case err == nil && answer != "":
			ok, err := d.submit(turnCtx, &res, eventID, domain.ProducerFreeText, answer)
			answered = answered || ok
			if sendErr == nil {
				sendErr = err
			}
		case errors.Is(err, ErrNoAnswer):
			log.Debug("free-text engine declined")
		case err != nil:
			log.Warn("free-text engine failed", "err", err)
		}
	}

	if !answered && !tr.HasReply && tr.Next == domain.StepCompleted {
		if _, err := d.submit(turnCtx, &res, eventID, domain.ProducerFallback, d.engine.Catalog().Fallback(next)); err != nil && sendErr == nil {
			sendErr = err
		}
	}
	return res, sendErr
}

// History returns the latest messages of a conversation, oldest first.
func (d *Dispatcher) History(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation", nil)
	}
	if limit <= 0 {
		limit = d.cfg.HistoryLimit
	}
	msgs, err := d.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorTransientTransport, "history_read_error", err)
	}
	return msgs, nil
}

// Forget drops delivery state for a deleted account.
func (d *Dispatcher) Forget(conversationID string) {
	d.delivery.Forget(conversationID)
}

func (d *Dispatcher) resolve(ctx context.Context, ev domain.InboundEvent) string {
	transportID := strings.TrimSpace(ev.TransportID)
	convID := strings.TrimSpace(ev.ConversationID)
	if convID == "" {
		if c, ok := d.identity.ConversationFor(ctx, transportID); ok {
			convID = c
		} else {
			convID = uuid.NewSHA1(derivedNamespace, []byte(transportID)).String()
		}
	}
	if transportID != "" {
		if err := d.identity.Record(ctx, transportID, convID); err != nil {
			d.logger.Warn("identity: record mapping failed", "transport_id", transportID, "err", err)
		}
	}
	return convID
}

func (d *Dispatcher) submit(ctx context.Context, res *TurnResult, turnID string, producer domain.Producer, text string) (bool, error) {
	dec, err := d.delivery.Submit(ctx, domain.Candidate{
		ConversationID: res.ConversationID,
		TurnID:         turnID,
		Producer:       producer,
		Text:           text,
		ContentHash:    delivery.ContentHash(text),
	})
	if !dec.Admitted {
		if err != nil {
			return false, newError(ErrorInternal, "delivery_error", err)
		}
		res.Suppressed = append(res.Suppressed, Suppression{Producer: producer, Reason: dec.Reason})
		return false, nil
	}
	if err != nil {
		return true, newError(ErrorTransientTransport, "send_error", err)
	}
	res.Replies = append(res.Replies, Reply{Producer: producer, Text: text, Receipt: dec.Receipt})

	sentAt := dec.Receipt.Timestamp
	if sentAt.IsZero() {
		sentAt = d.cfg.Clock()
	}
	if err := d.store.AppendMessage(context.WithoutCancel(ctx), domain.Message{
		ConversationID: res.ConversationID,
		EventID:        turnID,
		Role:           domain.RoleAssistant,
		Text:           text,
		Producer:       string(producer),
		CreatedAt:      sentAt,
	}); err != nil {
		d.logger.Warn("reply sent but not recorded in history", "conversation_id", res.ConversationID, "err", err)
	}
	return true, nil
}

func (d *Dispatcher) fireCompletion(ctx context.Context, p domain.ConversationProfile) {
	hctx := context.WithoutCancel(ctx)
	for _, h := range d.hooks {
		d.hookWG.Add(1)
		go func(h namedHook) {
			defer d.hookWG.Done()
			if err := h.fn(hctx, p.Clone()); err != nil {
				d.logger.Warn("completion hook failed", "hook", h.name, "conversation_id", p.ConversationID, "err", err)
			}
		}(h)
	}
}

// turnError reports err under code unless the turn ran out of time.
func turnError(turnCtx context.Context, code ErrorCode, reason string, err error) error {
	if turnCtx.Err() != nil {
		return newError(ErrorConcurrencyTimeout, "turn_timeout", err)
	}
	return newError(code, reason, err)
}

// freeTextAllowed reports whether the free-text engine may compete for a
// turn taken at profile's current step.
func freeTextAllowed(p domain.ConversationProfile) bool {
	return !p.IsEditing && p.CurrentStep() != domain.StepConfirmation
}

type freeTextCall struct {
	cancel context.CancelFunc
	done   chan struct{}
	answer string
	err    error
}

func (d *Dispatcher) startFreeText(ctx context.Context, p domain.ConversationProfile, text string) *freeTextCall {
	cctx, cancel := context.WithCancel(ctx)
	call := &freeTextCall{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(call.done)
		history, err := d.store.GetHistory(cctx, p.ConversationID, d.cfg.HistoryLimit)
		if err != nil {
			d.logger.Warn("free-text history unavailable", "conversation_id", p.ConversationID, "err", err)
			history = nil
		}
		call.answer, call.err = d.freeText.Generate(cctx, FreeTextRequest{
			Profile: p,
			Step:    p.CurrentStep(),
			History: history,
			Message: text,
		})
	}()
	return call
}

func (c *freeTextCall) stop() {
	if c != nil {
		c.cancel()
	}
}

func (c *freeTextCall) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.answer, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
