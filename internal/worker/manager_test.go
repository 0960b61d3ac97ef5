package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"aprilgo/internal/chat"
	"aprilgo/internal/config"
	"aprilgo/internal/models"
)

type memoryStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  []*models.Message
	personas  map[string]*models.Persona
	listCalls atomic.Int32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{personas: map[string]*models.Persona{}}
}

func (s *memoryStore) addPersona(p *models.Persona) { s.personas[p.ID] = p }

func (s *memoryStore) ListMessages(ctx context.Context, userID int64, personaID string) ([]*models.Message, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.UserID == userID && m.PersonaID == personaID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *msg
	cp.ID = s.nextID
	s.messages = append(s.messages, &cp)
	return cp.ID, nil
}

func (s *memoryStore) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *memoryStore) DeleteMessages(ctx context.Context, userID int64, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !(m.UserID == userID && m.PersonaID == personaID) {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *memoryStore) GetPersona(ctx context.Context, userID int64, personaID string) (*models.Persona, error) {
	p, ok := s.personas[personaID]
	if !ok || p.UserID != userID {
		return nil, errors.New("not found")
	}
	return p, nil
}

func (s *memoryStore) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	return &models.Profile{UserID: userID, Attributes: map[string]any{"display_name": "Sam"}}, nil
}

func (s *memoryStore) SaveAttachment(ctx context.Context, userID int64, personaID string, file *models.LocalFile) (*models.Attachment, error) {
	return &models.Attachment{Path: "1/p/" + file.Name}, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type scriptedCompleter struct {
	reply   string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (c *scriptedCompleter) StreamChat(ctx context.Context, systemPrompt string, history []*models.Message, image *models.LocalFile, onDelta func(string) error) (string, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.block != nil {
		<-c.block
	}
	if c.err != nil {
		return "", c.err
	}
	if onDelta != nil {
		for _, chunk := range strings.SplitAfter(c.reply, " ") {
			if err := onDelta(chunk); err != nil {
				return "", err
			}
		}
	}
	return c.reply, nil
}

func (c *scriptedCompleter) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	return "Test Chat", nil
}

func newTestManager(t *testing.T, store HistoryStore, completer Completer) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Chat.ExpandedMaxInputChars = config.DefaultExpandedMaxInputChars
	d := NewDispatcher(config.BasicConfig{MinWorkers: 2, MaxWorkers: 4, QueueSize: 8}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return NewManager(store, completer, d, nil, cfg, zap.NewNop())
}

func seedPersona(store *memoryStore) *models.Persona {
	p := &models.Persona{ID: "p1", UserID: 1, Name: "April"}
	store.addPersona(p)
	return p
}

func TestOpenHydratesHistoryOnce(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	store.messages = []*models.Message{
		{ID: 1, UserID: 1, PersonaID: "p1", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()},
	}
	m := newTestManager(t, store, &scriptedCompleter{reply: "hello"})

	c1, err := m.Open(context.Background(), 1, "p1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(c1.Messages()) != 1 {
		t.Fatalf("expected hydrated history, got %d", len(c1.Messages()))
	}
	c2, err := m.Open(context.Background(), 1, "p1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c1 != c2 {
		t.Fatal("reopen must return the live conversation")
	}
	if store.listCalls.Load() != 1 {
		t.Fatalf("history must load once, got %d loads", store.listCalls.Load())
	}
}

func TestOpenRejectsUnknownPersona(t *testing.T) {
	m := newTestManager(t, newMemoryStore(), &scriptedCompleter{})
	if _, err := m.Open(context.Background(), 1, "ghost"); err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestSendPersistsBothTurnsAndStreamsDeltas(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	m := newTestManager(t, store, &scriptedCompleter{reply: "hello there friend"})

	var streamed strings.Builder
	res, err := m.Send(context.Background(), 1, "p1", "hi", nil, chat.SurfaceExpanded, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if streamed.String() != "hello there friend" {
		t.Fatalf("deltas did not reassemble the reply: %q", streamed.String())
	}
	if res.UserMessage.ID == 0 || res.Assistant.ID == 0 {
		t.Fatalf("both turns must carry durable ids: %+v", res)
	}
	if res.Title != "Test Chat" {
		t.Fatalf("first exchange must be titled, got %q", res.Title)
	}
	if store.count() != 2 {
		t.Fatalf("expected 2 persisted rows, got %d", store.count())
	}

	c, _ := m.Open(context.Background(), 1, "p1")
	msgs := c.Messages()
	if len(msgs) != 2 || !msgs[0].Persisted() {
		t.Fatalf("conversation must show the settled pair, got %+v", msgs)
	}
}

func TestStreamFailureRollsBackPersistedUserTurn(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	completer := &scriptedCompleter{err: errors.New("model unavailable")}
	m := newTestManager(t, store, completer)

	if _, err := m.Send(context.Background(), 1, "p1", "hi", nil, chat.SurfaceExpanded, nil); err == nil {
		t.Fatal("expected send to fail")
	}
	if store.count() != 0 {
		t.Fatalf("failed stream must remove the persisted user turn, rows=%d", store.count())
	}

	c, _ := m.Open(context.Background(), 1, "p1")
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("conversation must hold only the failure turn, got %+v", msgs)
	}

	// The conversation recovers on the next send.
	completer.err = nil
	completer.reply = "back online"
	if _, err := m.Send(context.Background(), 1, "p1", "retry", nil, chat.SurfaceExpanded, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("retry must persist both turns, rows=%d", store.count())
	}
}

func TestSendWithAttachmentPersistsStoredPath(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	m := newTestManager(t, store, &scriptedCompleter{reply: "nice"})

	file := &models.LocalFile{Name: "a.png", ContentType: "image/png", Size: 4, Data: []byte("data")}
	res, err := m.Send(context.Background(), 1, "p1", "", file, chat.SurfaceExpanded, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.UserMessage.Attach.Path() != "1/p/a.png" {
		t.Fatalf("settled turn must reference the stored path, got %+v", res.UserMessage.Attach)
	}

	store.mu.Lock()
	persisted := store.messages[0]
	store.mu.Unlock()
	if persisted.Attach.Path() != "1/p/a.png" {
		t.Fatalf("persisted row must carry the stored path, got %+v", persisted.Attach)
	}
}

// Two sends racing through the same conversation on a saturated pool must
// each carry the file they were submitted with.
func TestConcurrentSendsKeepTheirOwnAttachments(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	completer := &scriptedCompleter{
		reply:   "ok",
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	cfg := &config.Config{}
	cfg.Chat.ExpandedMaxInputChars = config.DefaultExpandedMaxInputChars
	d := NewDispatcher(config.BasicConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	m := NewManager(store, completer, d, nil, cfg, zap.NewNop())

	send := func(name string) chan *chat.SendResult {
		out := make(chan *chat.SendResult, 1)
		file := &models.LocalFile{Name: name, ContentType: "image/png", Size: 4, Data: []byte("data")}
		go func() {
			res, err := m.Send(context.Background(), 1, "p1", "", file, chat.SurfaceExpanded, nil)
			if err != nil {
				t.Errorf("send %s: %v", name, err)
				out <- nil
				return
			}
			out <- res
		}()
		return out
	}

	first := send("a.png")
	<-completer.entered // the sole worker is now inside the first stream

	second := send("b.png")
	deadline := time.Now().Add(2 * time.Second)
	for pendingJobs(d, 1) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second send never queued")
		}
		time.Sleep(time.Millisecond)
	}

	close(completer.block)
	res1, res2 := <-first, <-second
	if res1 == nil || res2 == nil {
		t.Fatal("both sends must settle")
	}
	if got := res1.UserMessage.Attach.Path(); got != "1/p/a.png" {
		t.Fatalf("first send must carry its own file, got %q", got)
	}
	if got := res2.UserMessage.Attach.Path(); got != "1/p/b.png" {
		t.Fatalf("second send must carry its own file, got %q", got)
	}
}

func pendingJobs(d *Dispatcher, userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[userID]
}

func TestPurgeRehydratesFromStore(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	m := newTestManager(t, store, &scriptedCompleter{reply: "hello"})

	if _, err := m.Send(context.Background(), 1, "p1", "hi", nil, chat.SurfaceExpanded, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	m.Purge(context.Background(), 1, "p1")

	c, err := m.Open(context.Background(), 1, "p1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(c.Messages()) != 2 {
		t.Fatalf("purged conversation must rehydrate from persistence, got %d", len(c.Messages()))
	}
	if store.listCalls.Load() != 2 {
		t.Fatalf("expected a second history load after purge, got %d", store.listCalls.Load())
	}
}

func TestEvictIdleSkipsActiveConversations(t *testing.T) {
	store := newMemoryStore()
	seedPersona(store)
	m := newTestManager(t, store, &scriptedCompleter{reply: "hello"})

	if _, err := m.Open(context.Background(), 1, "p1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if n := m.EvictIdle(time.Hour); n != 0 {
		t.Fatalf("fresh conversation must not be evicted, got %d", n)
	}
	if n := m.EvictIdle(-time.Second); n != 1 {
		t.Fatalf("stale conversation must be evicted, got %d", n)
	}
}
