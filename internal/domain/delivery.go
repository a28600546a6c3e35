package domain

import "time"

// Producer tags the path that proposed an outbound reply.
type Producer string

const (
	ProducerScripted Producer = "scripted"
	ProducerFreeText Producer = "free_text"
	ProducerFallback Producer = "fallback"
)

// Candidate is a proposed reply for a turn. It is never persisted.
type Candidate struct {
	ConversationID string
	TurnID         string
	Producer       Producer
	Text           string
	ContentHash    string
}

// DeliveryRecord is the per-conversation admission state owned by the
// delivery coordinator.
type DeliveryRecord struct {
	LastAdmittedTurnID string
	LastAdmittedAt     time.Time
	LastContentHash    string
	LockHeld           bool
	LockHolder         Producer
	ActionExecutedAt   *time.Time
	// CurrentTurnID is the turn most recently opened by a handler.
	CurrentTurnID string
}
