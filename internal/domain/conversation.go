package domain

import "time"

// DefaultTitle is the title every conversation starts with until its first
// human turn is appended.
const DefaultTitle = "New Chat"

// Role identifies who authored a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two permitted roles.
func (r Role) Valid() bool {
	return r == RoleHuman || r == RoleAssistant
}

// Conversation is a persisted chat session, optionally scoped to one document.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	DocumentFilter string    `json:"document_filter,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is a single persisted conversation turn. Messages are never
// mutated after creation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Sources        []Source  `json:"sources,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Source is a retrieval excerpt attached to an assistant turn.
type Source struct {
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Score      float64        `json:"score"`
	DocumentID string         `json:"document_id,omitempty"`
	FileName   string         `json:"file_name,omitempty"`
}
