package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// free-text engine integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles recorded in history and sent to the free-text engines.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
