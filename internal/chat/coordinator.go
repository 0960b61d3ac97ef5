package chat

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aprilgo/internal/models"
)

// CompletionRequest carries one send to the completion collaborator. The
// message slice is a snapshot that already includes the new user turn.
type CompletionRequest struct {
	UserID         int64
	PersonaID      string
	Messages       []*models.Message
	UserMessage    *models.Message
	Attachment     *models.LocalFile
	AttachmentPath string
	OnDelta        func(delta string) error
}

// CompletionResult reports the assistant reply plus the durable identity the
// server assigned to the user turn.
type CompletionResult struct {
	Assistant       *models.Message
	UserMessageID   int64
	UserMessagePath string
	Title           string
}

// CompletionService produces an assistant reply for a conversation snapshot.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// UploadResult is the durable location assigned to an uploaded file.
type UploadResult struct {
	Path string
	URL  string
}

// Uploader persists a staged file before the completion call runs.
type Uploader interface {
	Upload(ctx context.Context, userID int64, personaID string, f *models.LocalFile) (UploadResult, error)
}

// NoticeKind classifies a transient user-facing notification.
type NoticeKind int

const (
	NoticeInfo NoticeKind = iota
	NoticeError
)

// Notice is a transient notification surfaced alongside the conversation.
type Notice struct {
	Kind NoticeKind
	Text string
}

// SendState is the coordinator's lifecycle phase for the current send.
type SendState int32

const (
	StateIdle SendState = iota
	StateSending
)

// Surface identifies which input surface a submission came from. The compact
// surface flattens line breaks and carries a tighter length cap; the expanded
// surface allows multi-line text.
type Surface int

const (
	SurfaceExpanded Surface = iota
	SurfaceCompact
)

// CoordinatorConfig carries the per-surface input caps. A zero cap disables
// length checking for that surface.
type CoordinatorConfig struct {
	CompactMaxInputChars  int
	ExpandedMaxInputChars int
}

// Submission is one submit from an input surface. File, when set, is bound
// to this submission alone and never travels through the shared staging
// slot; when nil the coordinator takes whatever the handler has staged.
type Submission struct {
	Text    string
	File    *StagedAttachment
	Surface Surface
}

// SendResult is what a settled send produced.
type SendResult struct {
	UserMessage *models.Message
	Assistant   *models.Message
	Title       string
}

// SendCoordinator drives the full lifecycle of one outgoing message: input
// validation, optimistic insert, upload, completion, and either the settle
// patch or the rollback. At most one send per conversation is in flight at
// a time; re-entrant submissions are refused.
type SendCoordinator struct {
	store       *MessageStore
	attachments *AttachmentHandler
	completions CompletionService
	uploader    Uploader
	cfg         CoordinatorConfig
	notify      func(Notice)
	log         *zap.Logger
	now         func() time.Time

	sending atomic.Bool
}

// CoordinatorOption customizes a SendCoordinator.
type CoordinatorOption func(*SendCoordinator)

// WithNotifier routes transient notices to fn instead of the log.
func WithNotifier(fn func(Notice)) CoordinatorOption {
	return func(c *SendCoordinator) { c.notify = fn }
}

// WithClock overrides the coordinator's time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *SendCoordinator) { c.now = now }
}

// NewSendCoordinator wires a coordinator over one conversation's store.
func NewSendCoordinator(
	store *MessageStore,
	attachments *AttachmentHandler,
	completions CompletionService,
	uploader Uploader,
	cfg CoordinatorConfig,
	log *zap.Logger,
	opts ...CoordinatorOption,
) *SendCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &SendCoordinator{
		store:       store,
		attachments: attachments,
		completions: completions,
		uploader:    uploader,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports whether a send is currently in flight.
func (c *SendCoordinator) State() SendState {
	if c.sending.Load() {
		return StateSending
	}
	return StateIdle
}

// Send runs one message through the full lifecycle. On validation failure
// nothing changes and the coordinator stays idle. On transport failure the
// optimistic entry is rolled back and a synthetic failure turn is appended
// in its place. The input surface should clear its text as soon as Send
// returns from the validation phase, which is signalled by the optimistic
// append; callers that need that signal can watch the store.
func (c *SendCoordinator) Send(ctx context.Context, sub Submission) (*SendResult, error) {
	if !c.sending.CompareAndSwap(false, true) {
		releaseBound(sub.File)
		c.emit(Notice{Kind: NoticeError, Text: ErrSendInFlight.Reason})
		return nil, ErrSendInFlight
	}
	defer c.sending.Store(false)

	text := sub.Text
	limit := c.cfg.ExpandedMaxInputChars
	if sub.Surface == SurfaceCompact {
		text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
		limit = c.cfg.CompactMaxInputChars
	}
	trimmed := strings.TrimSpace(text)

	if trimmed == "" && sub.File == nil && c.attachments.Staged() == nil {
		err := &ValidationError{Reason: "nothing to send"}
		c.emit(Notice{Kind: NoticeError, Text: err.Reason})
		return nil, err
	}
	if limit > 0 && utf8.RuneCountInString(trimmed) > limit {
		releaseBound(sub.File)
		err := &ValidationError{Reason: "message is too long"}
		c.emit(Notice{Kind: NoticeError, Text: err.Reason})
		return nil, err
	}

	staged := sub.File
	if staged == nil {
		staged = c.attachments.Take()
	}
	userMsg := &models.Message{
		Handle:    uuid.NewString(),
		UserID:    c.store.UserID(),
		PersonaID: c.store.PersonaID(),
		Role:      models.RoleUser,
		Content:   trimmed,
		CreatedAt: c.now(),
	}
	if staged != nil {
		userMsg.Attach = models.LocalAttachment(staged.File)
	}
	c.store.Append(userMsg)
	// The local preview is released once the send reaches a terminal state,
	// settled or failed. Release is once-guarded.
	defer func() {
		if staged != nil {
			staged.Preview.Release()
		}
	}()

	var attachPath string
	if staged != nil {
		up, err := c.uploader.Upload(ctx, userMsg.UserID, userMsg.PersonaID, staged.File)
		if err != nil {
			terr := &TransportError{Op: "upload attachment", Err: err}
			c.fail(userMsg, terr)
			return nil, terr
		}
		attachPath = up.Path
	}

	res, err := c.completions.Complete(ctx, CompletionRequest{
		UserID:         userMsg.UserID,
		PersonaID:      userMsg.PersonaID,
		Messages:       c.store.Messages(),
		UserMessage:    userMsg,
		Attachment:     stagedFile(staged),
		AttachmentPath: attachPath,
	})
	if err != nil {
		terr := &TransportError{Op: "complete message", Err: err}
		c.fail(userMsg, terr)
		return nil, terr
	}

	// Settle: patch the optimistic entry by handle with the durable
	// identity. Content and attachment display stay untouched unless the
	// server assigned a storage path for the uploaded file.
	c.store.ReplaceLast(
		func(m *models.Message) bool { return m.Handle == userMsg.Handle },
		func(m *models.Message) {
			m.ID = res.UserMessageID
			if res.UserMessagePath != "" {
				m.Attach = models.PathAttachment(res.UserMessagePath)
			}
		},
	)

	assistant := res.Assistant
	if assistant != nil {
		if assistant.Handle == "" {
			assistant.Handle = uuid.NewString()
		}
		if assistant.CreatedAt.IsZero() {
			assistant.CreatedAt = c.now()
		}
		assistant.UserID = userMsg.UserID
		assistant.PersonaID = userMsg.PersonaID
		assistant.Role = models.RoleAssistant
		c.store.Append(assistant)
	}

	return &SendResult{UserMessage: userMsg, Assistant: assistant, Title: res.Title}, nil
}

// fail rolls the optimistic entry back and appends a synthetic assistant
// turn describing the failure, so the conversation records what happened.
func (c *SendCoordinator) fail(userMsg *models.Message, cause error) {
	c.log.Warn("send failed",
		zap.Int64("user_id", userMsg.UserID),
		zap.String("persona_id", userMsg.PersonaID),
		zap.Error(cause),
	)
	c.store.RemoveWhere(func(m *models.Message) bool {
		return m.Handle == userMsg.Handle && !m.Persisted()
	})
	c.store.Append(&models.Message{
		Handle:    uuid.NewString(),
		UserID:    userMsg.UserID,
		PersonaID: userMsg.PersonaID,
		Role:      models.RoleAssistant,
		Content:   "Sorry, I couldn't process that message. Please try again.",
		CreatedAt: c.now(),
	})
	c.emit(Notice{Kind: NoticeError, Text: "Failed to send message. Please try again."})
}

func (c *SendCoordinator) emit(n Notice) {
	if c.notify != nil {
		c.notify(n)
		return
	}
	c.log.Info("notice", zap.String("text", n.Text))
}

func stagedFile(s *StagedAttachment) *models.LocalFile {
	if s == nil {
		return nil
	}
	return s.File
}

// releaseBound frees the preview of a submission-bound attachment on paths
// that refuse the submission before the normal terminal release runs.
func releaseBound(s *StagedAttachment) {
	if s != nil {
		s.Preview.Release()
	}
}
