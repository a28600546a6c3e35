package domain

import "time"

// Message is a single persisted transcript entry for a conversation.
type Message struct {
	ConversationID string
	EventID        string
	Role           string
	Text           string
	Producer       string
	CreatedAt      time.Time
}

// InboundEvent is one message received from a transport. EventID is the
// transport's own identifier and is reused on redelivery.
type InboundEvent struct {
	TransportID    string
	ConversationID string
	EventID        string
	Text           string
	Timestamp      time.Time
}

// Receipt acknowledges an outbound send.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Alias links a secondary conversation to the primary one it was merged into.
type Alias struct {
	ConversationID string
	PrimaryID      string
}

// TurnCommit is everything written atomically for one processed turn.
type TurnCommit struct {
	Profile ConversationProfile
	Inbound Message
	Alias   *Alias
	// ReleasedClaimedName is a claimed name the profile no longer holds.
	ReleasedClaimedName string
}
