package domain

import "time"

// Step identifies the question currently being asked of a user.
type Step string

const (
	StepNone                 Step = "NONE"
	StepAskLanguage          Step = "ASK_LANGUAGE"
	StepAskName              Step = "ASK_NAME"
	StepAskEntryMethod       Step = "ASK_ENTRY_METHOD"
	StepAskWalletConnection  Step = "ASK_WALLET_CONNECTION"
	StepAskEmail             Step = "ASK_EMAIL"
	StepAskProfileChoice     Step = "ASK_PROFILE_CHOICE"
	StepAskSIUName           Step = "ASK_SIU_NAME"
	StepAskLocation          Step = "ASK_LOCATION"
	StepAskRole              Step = "ASK_ROLE"
	StepAskInterests         Step = "ASK_INTERESTS"
	StepAskConnectionGoals   Step = "ASK_CONNECTION_GOALS"
	StepAskEvents            Step = "ASK_EVENTS"
	StepAskSocials           Step = "ASK_SOCIALS"
	StepAskTelegramHandle    Step = "ASK_TELEGRAM_HANDLE"
	StepAskGender            Step = "ASK_GENDER"
	StepAskNotifications     Step = "ASK_NOTIFICATIONS"
	StepConfirmation         Step = "CONFIRMATION"
	StepCompleted            Step = "COMPLETED"
)

// ConversationProfile holds everything collected for one user. The zero value
// is a fresh profile at StepNone.
type ConversationProfile struct {
	ConversationID      string `json:"conversationId"`
	LinkedPrimaryUserID string `json:"linkedPrimaryUserId,omitempty"`
	Step                Step   `json:"step"`

	Language               string   `json:"language,omitempty"`
	Name                   string   `json:"name,omitempty"`
	Email                  string   `json:"email,omitempty"`
	WalletAddress          string   `json:"walletAddress,omitempty"`
	ClaimedName            string   `json:"claimedName,omitempty"`
	Location               string   `json:"location,omitempty"`
	Roles                  []string `json:"roles,omitempty"`
	Interests              []string `json:"interests,omitempty"`
	ConnectionGoals        []string `json:"connectionGoals,omitempty"`
	Events                 []string `json:"events,omitempty"`
	Socials                []string `json:"socials,omitempty"`
	TelegramHandle         string   `json:"telegramHandle,omitempty"`
	Gender                 string   `json:"gender,omitempty"`
	DiversityResearch      *bool    `json:"diversityResearch,omitempty"`
	NotificationPreference string   `json:"notificationPreference,omitempty"`
	Skipped                []string `json:"skipped,omitempty"`

	IsEditing    bool   `json:"isEditing,omitempty"`
	EditingField string `json:"editingField,omitempty"`

	IsConfirmed bool       `json:"isConfirmed,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	PendingContact   string `json:"pendingContact,omitempty"`
	PendingMergeFrom string `json:"pendingMergeFrom,omitempty"`

	RecentEvents []string  `json:"recentEvents,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// CurrentStep returns the active step, treating an unset step as StepNone.
func (p ConversationProfile) CurrentStep() Step {
	if p.Step == "" {
		return StepNone
	}
	return p.Step
}

// Completed reports whether the profile finished onboarding.
func (p ConversationProfile) Completed() bool {
	return p.CurrentStep() == StepCompleted && p.CompletedAt != nil
}

// ContactAddress returns the address used for cross-conversation identity merge.
func (p ConversationProfile) ContactAddress() string {
	if p.Email != "" {
		return p.Email
	}
	return p.WalletAddress
}

// HasAnswers reports whether any questionnaire answer is populated.
func (p ConversationProfile) HasAnswers() bool {
	return p.Language != "" || p.Name != "" || p.Email != "" || p.WalletAddress != "" ||
		p.ClaimedName != "" || p.Location != "" || len(p.Roles) > 0 || len(p.Interests) > 0 ||
		len(p.ConnectionGoals) > 0 || len(p.Events) > 0 || len(p.Socials) > 0 ||
		p.TelegramHandle != "" || p.Gender != "" || p.DiversityResearch != nil ||
		p.NotificationPreference != "" || len(p.Skipped) > 0
}

// SeenEvent reports whether eventID was already applied to this profile.
func (p ConversationProfile) SeenEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	for _, id := range p.RecentEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// RememberEvent records eventID, keeping at most limit recent ids.
func (p *ConversationProfile) RememberEvent(eventID string, limit int) {
	if eventID == "" || p.SeenEvent(eventID) {
		return
	}
	p.RecentEvents = append(p.RecentEvents, eventID)
	if limit > 0 && len(p.RecentEvents) > limit {
		p.RecentEvents = append([]string(nil), p.RecentEvents[len(p.RecentEvents)-limit:]...)
	}
}

// Clone returns a deep copy so transitions never alias the caller's slices.
func (p ConversationProfile) Clone() ConversationProfile {
	out := p
	out.Roles = cloneStrings(p.Roles)
	out.Interests = cloneStrings(p.Interests)
	out.ConnectionGoals = cloneStrings(p.ConnectionGoals)
	out.Events = cloneStrings(p.Events)
	out.Socials = cloneStrings(p.Socials)
	out.Skipped = cloneStrings(p.Skipped)
	out.RecentEvents = cloneStrings(p.RecentEvents)
	if p.DiversityResearch != nil {
		v := *p.DiversityResearch
		out.DiversityResearch = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
