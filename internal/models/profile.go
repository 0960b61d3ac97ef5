package models

import "time"

// Profile holds the user's own attribute document.
type Profile struct {
	UserID        int64          `json:"user_id"`
	Attributes    map[string]any `json:"attributes"`
	SenderAddress string         `json:"sender_address"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
