package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"onboarding-agent/internal/domain"
)

const (
	defaultMaxMessageLen = 1000
	defaultHistoryLimit  = 20
)

// ErrNoAnswer means the free-text engine declined to answer the message.
var ErrNoAnswer = errors.New("usecase: free-text engine has no answer")

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// Moderator screens user text before it reaches the model.
type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// ProfileSummarizer renders the profile shown to the model.
type ProfileSummarizer interface {
	Summary(p domain.ConversationProfile) string
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// FreeTextRequest is one turn offered to the free-text engine.
type FreeTextRequest struct {
	Profile domain.ConversationProfile
	Step    domain.Step
	History []domain.Message
	Message string
}

// FreeTextService answers open-ended messages with a language model. Prompt
// and model are read from the parameter store on first use and cached.
type FreeTextService struct {
	params        ParamGetter
	llm           LLMClient
	moderator     Moderator
	summarizer    ProfileSummarizer
	paramPrefix   string
	maxMessageLen int

	cacheMu      sync.RWMutex
	cacheLoaded  bool
	pinnedPrompt string
	model        string
}

// NewFreeTextService builds a FreeTextService. moderator may be nil.
func NewFreeTextService(p ParamGetter, llm LLMClient, moderator Moderator, summarizer ProfileSummarizer, paramPrefix string, maxMessageLen int) (*FreeTextService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if summarizer == nil {
		return nil, errors.New("usecase: profile summarizer must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &FreeTextService{
		params:        p,
		llm:           llm,
		moderator:     moderator,
		summarizer:    summarizer,
		paramPrefix:   paramPrefix,
		maxMessageLen: maxMessageLen,
	}, nil
}

// Generate returns the model's reply, or ErrNoAnswer when the message is out
// of scope.
func (s *FreeTextService) Generate(ctx context.Context, in FreeTextRequest) (string, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return "", newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(message) > s.maxMessageLen {
		return "", newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return "", newError(ErrorInternal, "ssm_load_error", err)
	}

	if s.moderator != nil {
		flagged, err := s.moderator.Moderate(ctx, message)
		if err != nil {
			if status, ok := upstreamStatusCode(err); ok && status == 429 {
				return "", newError(ErrorRateLimited, "moderation_rate_limited", err)
			}
			return "", newError(ErrorUpstream, "moderation_error", err)
		}
		if flagged {
			return "", newError(ErrorInvalidInput, "moderation_flagged", ErrNoAnswer)
		}
	}

	s.cacheMu.RLock()
	pc := promptContext{
		pinnedPrompt: s.pinnedPrompt,
		profile:      s.summarizer.Summary(in.Profile),
		step:         in.Step,
	}
	model := s.model
	s.cacheMu.RUnlock()

	raw, err := s.llm.Chat(ctx, model, buildPromptMessages(pc, message, in.History))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return "", newError(ErrorRateLimited, "llm_rate_limited", err)
		}
		return "", newError(ErrorUpstream, "llm_error", err)
	}

	decision, err := parseScopedAnswer(raw)
	if err != nil {
		return "", newError(ErrorUpstream, "llm_malformed_response", err)
	}
	if !decision.InScope {
		return "", ErrNoAnswer
	}
	return strings.TrimSpace(decision.Answer), nil
}

func (s *FreeTextService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	pinnedPrompt, model, err := s.loadSSMParams(ctx)
	if err != nil {
		return err
	}

	s.pinnedPrompt = pinnedPrompt
	s.model = model
	s.cacheLoaded = true
	return nil
}

func (s *FreeTextService) loadSSMParams(ctx context.Context) (pinnedPrompt, model string, err error) {
	pinnedPrompt, err = s.params.GetParameter(ctx, s.paramPrefix+"/pinned_prompt")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load pinned prompt: %w", err)
	}
	model, err = s.params.GetParameter(ctx, s.paramPrefix+"/config/model")
	if err != nil {
		return "", "", fmt.Errorf("usecase: load model: %w", err)
	}
	return pinnedPrompt, model, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
