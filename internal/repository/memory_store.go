package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/usecase"
)

// ErrClaimedNameTaken is returned when a turn claims a name another
// conversation already holds.
var ErrClaimedNameTaken = errors.New("repository: claimed name already taken")

// MemoryStore is a goroutine-safe ProfileStore backed by maps. Aliases are
// carried by the profile's LinkedPrimaryUserID only.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]domain.ConversationProfile
	messages map[string][]domain.Message
	contacts map[string]string
	names    map[string]string
}

var _ usecase.ProfileStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]domain.ConversationProfile),
		messages: make(map[string][]domain.Message),
		contacts: make(map[string]string),
		names:    make(map[string]string),
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, conversationID string) (domain.ConversationProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[conversationID]
	if !ok {
		return domain.ConversationProfile{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *MemoryStore) SaveTurn(_ context.Context, commit domain.TurnCommit) error {
	p := commit.Profile
	if p.ConversationID == "" {
		return errors.New("repository: SaveTurn: conversation id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ClaimedName != "" {
		if holder, ok := s.names[p.ClaimedName]; ok && holder != p.ConversationID {
			return fmt.Errorf("repository: SaveTurn: %q: %w", p.ClaimedName, ErrClaimedNameTaken)
		}
	}

	s.profiles[p.ConversationID] = p.Clone()
	s.messages[p.ConversationID] = append(s.messages[p.ConversationID], commit.Inbound)
	if p.Completed() && p.ContactAddress() != "" {
		s.contacts[p.ContactAddress()] = p.ConversationID
	}
	if released := commit.ReleasedClaimedName; released != "" && s.names[released] == p.ConversationID {
		delete(s.names, released)
	}
	if p.ClaimedName != "" {
		s.names[p.ClaimedName] = p.ConversationID
	}
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m domain.Message) error {
	if m.ConversationID == "" {
		return errors.New("repository: AppendMessage: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (s *MemoryStore) FindByContactAddress(_ context.Context, address string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.contacts[address]
	return id, ok, nil
}

func (s *MemoryStore) FindByClaimedName(_ context.Context, name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[name]
	return id, ok, nil
}
