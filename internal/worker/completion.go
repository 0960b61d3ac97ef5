package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"aprilgo/internal/chat"
	"aprilgo/internal/models"
)

// HistoryStore is the persistence surface a conversation needs.
type HistoryStore interface {
	ListMessages(ctx context.Context, userID int64, personaID string) ([]*models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) (int64, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteMessages(ctx context.Context, userID int64, personaID string) error
	GetPersona(ctx context.Context, userID int64, personaID string) (*models.Persona, error)
	GetProfile(ctx context.Context, userID int64) (*models.Profile, error)
	SaveAttachment(ctx context.Context, userID int64, personaID string, file *models.LocalFile) (*models.Attachment, error)
}

// Completer is the model-facing surface a conversation needs.
type Completer interface {
	StreamChat(ctx context.Context, systemPrompt string, history []*models.Message, image *models.LocalFile, onDelta func(string) error) (string, error)
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

// completionAdapter commits a send in two phases: the user turn is persisted
// before the model streams, and the assistant turn is persisted when the
// stream finishes. If the stream fails, the already-written user row is
// removed so the database matches the rolled-back conversation.
type completionAdapter struct {
	store     HistoryStore
	completer Completer
	log       *zap.Logger

	// deltaMu guards the per-send delta sink. The coordinator guarantees at
	// most one send per conversation, so a single slot is enough.
	deltaMu sync.Mutex
	onDelta func(string) error
}

func (a *completionAdapter) setDelta(fn func(string) error) {
	a.deltaMu.Lock()
	a.onDelta = fn
	a.deltaMu.Unlock()
}

func (a *completionAdapter) delta() func(string) error {
	a.deltaMu.Lock()
	defer a.deltaMu.Unlock()
	return a.onDelta
}

func (a *completionAdapter) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.CompletionResult, error) {
	persisted := &models.Message{
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
		Role:      models.RoleUser,
		Content:   req.UserMessage.Content,
		CreatedAt: req.UserMessage.CreatedAt,
	}
	if req.AttachmentPath != "" {
		persisted.Attach = models.PathAttachment(req.AttachmentPath)
	}
	userID, err := a.store.AppendMessage(ctx, persisted)
	if err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}

	prompt, err := a.buildPrompt(ctx, req.UserID, req.PersonaID)
	if err != nil {
		a.abortUserTurn(ctx, userID)
		return nil, err
	}

	reply, err := a.completer.StreamChat(ctx, prompt, req.Messages, req.Attachment, a.delta())
	if err != nil {
		a.abortUserTurn(ctx, userID)
		return nil, err
	}

	assistantID, err := a.store.AppendMessage(ctx, &models.Message{
		UserID:    req.UserID,
		PersonaID: req.PersonaID,
		Role:      models.RoleAssistant,
		Content:   reply,
	})
	if err != nil {
		a.abortUserTurn(ctx, userID)
		return nil, fmt.Errorf("persist assistant turn: %w", err)
	}

	res := &chat.CompletionResult{
		Assistant:       &models.Message{ID: assistantID, Content: reply},
		UserMessageID:   userID,
		UserMessagePath: req.AttachmentPath,
	}

	// Title the conversation on its first exchange.
	if countUserTurns(req.Messages) == 1 && req.UserMessage.Content != "" {
		if title, err := a.completer.GenerateTitle(ctx, req.UserMessage.Content); err == nil {
			res.Title = title
		} else {
			a.log.Debug("title generation failed", zap.Error(err))
		}
	}
	return res, nil
}

func (a *completionAdapter) abortUserTurn(ctx context.Context, id int64) {
	if err := a.store.DeleteMessage(ctx, id); err != nil {
		a.log.Warn("abort user turn", zap.Int64("message_id", id), zap.Error(err))
	}
}

// buildPrompt composes the system prompt from the persona and the user's
// profile attributes.
func (a *completionAdapter) buildPrompt(ctx context.Context, userID int64, personaID string) (string, error) {
	persona, err := a.store.GetPersona(ctx, userID, personaID)
	if err != nil {
		return "", fmt.Errorf("load persona: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a persona in the April messaging app.", persona.Name)
	writeAttributes(&sb, "Your traits", persona.Attributes)

	if profile, err := a.store.GetProfile(ctx, userID); err == nil {
		writeAttributes(&sb, "About the person you are talking to", profile.Attributes)
	}
	sb.WriteString("\nStay in character and keep replies conversational.")
	return sb.String(), nil
}

func writeAttributes(sb *strings.Builder, heading string, attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(sb, "\n%s:\n", heading)
	for _, k := range keys {
		fmt.Fprintf(sb, "- %s: %v\n", k, attrs[k])
	}
}

func countUserTurns(msgs []*models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			n++
		}
	}
	return n
}

// storeUploader adapts the attachment service to the coordinator's upload
// step.
type storeUploader struct {
	store HistoryStore
}

func (u *storeUploader) Upload(ctx context.Context, userID int64, personaID string, f *models.LocalFile) (chat.UploadResult, error) {
	rec, err := u.store.SaveAttachment(ctx, userID, personaID, f)
	if err != nil {
		return chat.UploadResult{}, err
	}
	return chat.UploadResult{Path: rec.Path}, nil
}
