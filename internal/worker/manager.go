package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"aprilgo/internal/chat"
	"aprilgo/internal/config"
	"aprilgo/internal/models"
	"aprilgo/internal/redis"
)

// Conversation is the live state for one (user, persona) pair: the hydrated
// message store plus the coordinator that drives sends through it.
type Conversation struct {
	userID    int64
	personaID string

	store       *chat.MessageStore
	attachments *chat.AttachmentHandler
	coordinator *chat.SendCoordinator
	adapter     *completionAdapter

	mu         sync.Mutex
	lastActive time.Time
}

// Messages returns a snapshot of the conversation, oldest first.
func (c *Conversation) Messages() []*models.Message { return c.store.Messages() }

// NeedsDateSeparator reports whether a separator renders before index i.
func (c *Conversation) NeedsDateSeparator(i int) bool { return c.store.NeedsDateSeparator(i) }

// Sending reports whether a send is in flight.
func (c *Conversation) Sending() bool { return c.coordinator.State() == chat.StateSending }

func (c *Conversation) touch(now time.Time) {
	c.mu.Lock()
	c.lastActive = now
	c.mu.Unlock()
}

func (c *Conversation) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Manager owns the live conversations. Opening a pair hydrates its history
// exactly once; sends are serialized through the shared dispatcher.
type Manager struct {
	store      HistoryStore
	completer  Completer
	dispatcher *Dispatcher
	cache      *redis.Client
	cfg        *config.Config
	log        *zap.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager wires the manager over its collaborators. cache may be nil.
func NewManager(store HistoryStore, completer Completer, dispatcher *Dispatcher, cache *redis.Client, cfg *config.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      store,
		completer:  completer,
		dispatcher: dispatcher,
		cache:      cache,
		cfg:        cfg,
		log:        log,
		convs:      map[string]*Conversation{},
	}
}

func convKey(userID int64, personaID string) string {
	return fmt.Sprintf("%d:%s", userID, personaID)
}

// Open returns the live conversation for the pair, creating and hydrating it
// on first access. The persona must exist and belong to the user.
func (m *Manager) Open(ctx context.Context, userID int64, personaID string) (*Conversation, error) {
	key := convKey(userID, personaID)

	m.mu.Lock()
	if c, ok := m.convs[key]; ok {
		m.mu.Unlock()
		c.touch(time.Now())
		return c, nil
	}
	m.mu.Unlock()

	if _, err := m.store.GetPersona(ctx, userID, personaID); err != nil {
		return nil, err
	}
	history, err := m.store.ListMessages(ctx, userID, personaID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[key]; ok {
		// Lost the race; the winner already hydrated.
		return c, nil
	}

	adapter := &completionAdapter{store: m.store, completer: m.completer, log: m.log}
	msgStore := chat.NewMessageStore(userID, personaID)
	if err := msgStore.Hydrate(history); err != nil {
		return nil, err
	}
	attachments := chat.NewAttachmentHandler()
	coordinator := chat.NewSendCoordinator(
		msgStore,
		attachments,
		adapter,
		&storeUploader{store: m.store},
		chat.CoordinatorConfig{
			CompactMaxInputChars:  m.cfg.Chat.CompactMaxInputChars,
			ExpandedMaxInputChars: m.cfg.Chat.ExpandedMaxInputChars,
		},
		m.log.With(zap.Int64("user_id", userID), zap.String("persona_id", personaID)),
	)

	c := &Conversation{
		userID:      userID,
		personaID:   personaID,
		store:       msgStore,
		attachments: attachments,
		coordinator: coordinator,
		adapter:     adapter,
		lastActive:  time.Now(),
	}
	m.convs[key] = c
	return c, nil
}

// Send runs one message through the conversation on the worker pool,
// blocking until it settles or fails. file may be nil; onDelta receives
// streamed reply chunks. The file is bound to this send before the job is
// queued, so a concurrent send through the same conversation can never
// carry it instead.
func (m *Manager) Send(ctx context.Context, userID int64, personaID, text string, file *models.LocalFile, surface chat.Surface, onDelta func(string) error) (*chat.SendResult, error) {
	c, err := m.Open(ctx, userID, personaID)
	if err != nil {
		return nil, err
	}
	var bound *chat.StagedAttachment
	if file != nil {
		bound, err = c.attachments.Bind(file)
		if err != nil {
			return nil, err
		}
	}

	type outcome struct {
		res *chat.SendResult
		err error
	}
	done := make(chan outcome, 1)
	submitErr := m.dispatcher.Submit(userID, func() {
		c.adapter.setDelta(onDelta)
		defer c.adapter.setDelta(nil)
		res, err := c.coordinator.Send(ctx, chat.Submission{Text: text, File: bound, Surface: surface})
		done <- outcome{res: res, err: err}
	})
	if submitErr != nil {
		if bound != nil {
			bound.Preview.Release()
		}
		return nil, submitErr
	}

	select {
	case out := <-done:
		c.touch(time.Now())
		m.publishState(ctx, c)
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// conversationState is the cached presence snapshot the API reads without
// touching the live conversation.
type conversationState struct {
	MessageCount int       `json:"message_count"`
	Sending      bool      `json:"sending"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (m *Manager) publishState(ctx context.Context, c *Conversation) {
	if m.cache == nil {
		return
	}
	state := conversationState{
		MessageCount: c.store.Len(),
		Sending:      c.Sending(),
		UpdatedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return
	}
	key := redis.EntityKey("conversation", convKey(c.userID, c.personaID))
	if err := m.cache.Set(ctx, key, string(raw), time.Minute); err != nil {
		m.log.Debug("publish conversation state", zap.Error(err))
	}
}

// Purge drops the live conversation and invalidates its cached state. The
// next Open rehydrates from the database.
func (m *Manager) Purge(ctx context.Context, userID int64, personaID string) {
	key := convKey(userID, personaID)
	m.mu.Lock()
	c, ok := m.convs[key]
	delete(m.convs, key)
	m.mu.Unlock()
	if ok {
		c.attachments.Clear()
	}
	if m.cache != nil {
		_ = m.cache.Del(ctx, redis.EntityKey("conversation", key))
	}
}

// ResetUser drops every live conversation belonging to the user.
func (m *Manager) ResetUser(ctx context.Context, userID int64) {
	m.mu.Lock()
	var dropped []string
	for key, c := range m.convs {
		if c.userID == userID {
			c.attachments.Clear()
			delete(m.convs, key)
			dropped = append(dropped, key)
		}
	}
	m.mu.Unlock()
	if m.cache != nil {
		for _, key := range dropped {
			_ = m.cache.Del(ctx, redis.EntityKey("conversation", key))
		}
	}
}

// EvictIdle drops conversations untouched for longer than maxIdle and
// returns how many were evicted.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, c := range m.convs {
		if c.Sending() {
			continue
		}
		if c.idleSince().Before(cutoff) {
			c.attachments.Clear()
			delete(m.convs, key)
			evicted++
		}
	}
	return evicted
}
