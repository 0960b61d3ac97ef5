package models

import "time"

// Message is one turn in a conversation between a user and a persona.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	// ID is the durable server-assigned identity; zero until persistence
	// confirms one.
	ID int64 `json:"id,omitempty"`
	// Handle is a locally generated identifier assigned at creation.
	// Optimistic entries are matched by handle, never by content.
	Handle    string        `json:"handle,omitempty"`
	UserID    int64         `json:"user_id"`
	PersonaID string        `json:"persona_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Attach    AttachmentRef `json:"attachment,omitzero"`
	CreatedAt time.Time     `json:"created_at"`
}

// Persisted reports whether the message carries a durable identity.
func (m *Message) Persisted() bool {
	return m != nil && m.ID > 0
}
