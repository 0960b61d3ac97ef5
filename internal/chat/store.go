package chat

import (
	"errors"
	"sync"

	"aprilgo/internal/models"
)

// MessageStore holds the ordered message sequence for one (user, persona)
// conversation. History is hydrated once when the conversation opens; after
// that only the send coordinator mutates the sequence. Every store belongs
// to exactly one pair, so messages can never leak across conversations.
type MessageStore struct {
	mu        sync.RWMutex
	userID    int64
	personaID string
	msgs      []*models.Message
	hydrated  bool
}

// NewMessageStore returns an empty store bound to the given pair.
func NewMessageStore(userID int64, personaID string) *MessageStore {
	return &MessageStore{userID: userID, personaID: personaID}
}

// UserID returns the owning user.
func (s *MessageStore) UserID() int64 { return s.userID }

// PersonaID returns the owning persona.
func (s *MessageStore) PersonaID() string { return s.personaID }

// Hydrate installs the persisted history. It may run only once, before any
// send has appended to the store.
func (s *MessageStore) Hydrate(history []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated || len(s.msgs) > 0 {
		return errors.New("message store already hydrated")
	}
	s.msgs = append(s.msgs, history...)
	s.hydrated = true
	return nil
}

// Hydrated reports whether history has been loaded.
func (s *MessageStore) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// Append adds a message to the end of the sequence.
func (s *MessageStore) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

// ReplaceLast patches the last message matching pred in place. Returns false
// when no message matches.
func (s *MessageStore) ReplaceLast(pred func(*models.Message) bool, update func(*models.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if pred(s.msgs[i]) {
			update(s.msgs[i])
			return true
		}
	}
	return false
}

// RemoveWhere deletes every message matching pred, preserving order, and
// returns the number removed.
func (s *MessageStore) RemoveWhere(pred func(*models.Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[:0]
	removed := 0
	for _, m := range s.msgs {
		if pred(m) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(s.msgs); i++ {
		s.msgs[i] = nil
	}
	s.msgs = kept
	return removed
}

// Messages returns a snapshot of the current sequence.
func (s *MessageStore) Messages() []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len reports the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// NeedsDateSeparator reports whether a date separator should render before
// the message at index i: true for the first message and whenever the
// calendar date (local time) changed since the previous one.
func (s *MessageStore) NeedsDateSeparator(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.msgs) {
		return false
	}
	if i == 0 {
		return true
	}
	prev := s.msgs[i-1].CreatedAt.Local()
	cur := s.msgs[i].CreatedAt.Local()
	py, pm, pd := prev.Date()
	cy, cm, cd := cur.Date()
	return py != cy || pm != cm || pd != cd
}
