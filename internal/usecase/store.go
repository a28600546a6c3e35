package usecase

import (
	"context"
	"errors"
	"fmt"

	"onboarding-agent/internal/domain"
	"onboarding-agent/internal/flow"
)

// ProfileStore persists profiles, their turn history and the secondary
// indexes used for identity merge.
type ProfileStore interface {
	GetProfile(ctx context.Context, conversationID string) (domain.ConversationProfile, bool, error)
	// SaveTurn writes the profile, the inbound message and any alias atomically.
	SaveTurn(ctx context.Context, commit domain.TurnCommit) error
	AppendMessage(ctx context.Context, m domain.Message) error
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	FindByContactAddress(ctx context.Context, address string) (string, bool, error)
	FindByClaimedName(ctx context.Context, name string) (string, bool, error)
}

type storeDirectory struct {
	store ProfileStore
}

// NewDirectory exposes store to the step engine as a read-only directory.
func NewDirectory(store ProfileStore) flow.Directory {
	return &storeDirectory{store: store}
}

func (d *storeDirectory) FindCompletedByContact(ctx context.Context, address, exceptConversationID string) (string, bool, error) {
	id, found, err := d.store.FindByContactAddress(ctx, address)
	if err != nil || !found || id == exceptConversationID {
		return "", false, err
	}
	p, ok, err := d.store.GetProfile(ctx, id)
	if err != nil || !ok || !p.Completed() {
		return "", false, err
	}
	return id, true, nil
}

func (d *storeDirectory) LoadProfile(ctx context.Context, conversationID string) (domain.ConversationProfile, error) {
	p, ok, err := d.store.GetProfile(ctx, conversationID)
	if err != nil {
		return domain.ConversationProfile{}, err
	}
	if !ok {
		return domain.ConversationProfile{}, fmt.Errorf("usecase: profile %s: %w", conversationID, errProfileNotFound)
	}
	return p, nil
}

func (d *storeDirectory) ClaimedNameTaken(ctx context.Context, name, exceptConversationID string) (bool, error) {
	id, found, err := d.store.FindByClaimedName(ctx, name)
	if err != nil {
		return false, err
	}
	return found && id != exceptConversationID, nil
}

var errProfileNotFound = errors.New("profile not found")
