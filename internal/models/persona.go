package models

import "time"

// Persona is a configured chat companion a user converses with.
type Persona struct {
	ID         string         `json:"id"`
	UserID     int64          `json:"user_id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
	// At most one persona per user may be bound to each external
	// messaging surface.
	IsIMessagePersona bool      `json:"is_imessage_persona"`
	IsTelegramPersona bool      `json:"is_telegram_persona"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
