package chat

import (
	"fmt"
	"strings"
	"sync"

	"aprilgo/internal/models"
)

// MaxAttachmentBytes caps a single staged image at 5 MiB.
const MaxAttachmentBytes = 5 << 20

// StagedAttachment is the hand-off unit produced by Take. Whoever takes it
// owns the preview and is responsible for releasing it exactly once.
type StagedAttachment struct {
	File    *models.LocalFile
	Preview *Preview
}

// AttachmentHandler stages at most one image for the next send. Staging a
// replacement releases the previous file's preview; the preview itself is
// derived lazily the first time it is requested.
type AttachmentHandler struct {
	mu        sync.Mutex
	staged    *models.LocalFile
	preview   *Preview
	onRelease func()
}

// AttachmentOption customizes an AttachmentHandler.
type AttachmentOption func(*AttachmentHandler)

// WithPreviewReleaseHook registers a callback invoked whenever a preview is
// released. Used to track the lifetime of locally allocated resources.
func WithPreviewReleaseHook(fn func()) AttachmentOption {
	return func(h *AttachmentHandler) { h.onRelease = fn }
}

// NewAttachmentHandler returns an empty handler.
func NewAttachmentHandler(opts ...AttachmentOption) *AttachmentHandler {
	h := &AttachmentHandler{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ValidateFile applies the staging rules: at most 5 MiB, images only.
func ValidateFile(f *models.LocalFile) error {
	if f == nil {
		return &ValidationError{Reason: "no file selected"}
	}
	if f.Size > MaxAttachmentBytes {
		return &ValidationError{Reason: fmt.Sprintf("file exceeds the %d MiB limit", MaxAttachmentBytes>>20)}
	}
	if !strings.HasPrefix(f.ContentType, "image/") {
		return &ValidationError{Reason: "only image files can be attached"}
	}
	return nil
}

// Bind validates a file and binds it to a single send, bypassing the shared
// staging slot. Each concurrent submission gets its own hand-off unit, so
// one send can never pick up a file that belongs to another. The caller owns
// the returned preview.
func (h *AttachmentHandler) Bind(f *models.LocalFile) (*StagedAttachment, error) {
	if err := ValidateFile(f); err != nil {
		return nil, err
	}
	return &StagedAttachment{File: f, Preview: newPreview(h.onRelease)}, nil
}

// Stage validates and stages a file for the next send, replacing any file
// staged earlier. The replaced file's preview is released immediately.
func (h *AttachmentHandler) Stage(f *models.LocalFile) error {
	if err := ValidateFile(f); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.preview.Release()
	h.staged = f
	h.preview = nil
	return nil
}

// Staged returns the currently staged file, or nil.
func (h *AttachmentHandler) Staged() *models.LocalFile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.staged
}

// Preview returns the display resource for the staged file, deriving it on
// first access. Returns nil when nothing is staged.
func (h *AttachmentHandler) Preview() *Preview {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.previewLocked()
}

func (h *AttachmentHandler) previewLocked() *Preview {
	if h.staged == nil {
		return nil
	}
	if h.preview == nil {
		h.preview = newPreview(h.onRelease)
	}
	return h.preview
}

// Clear discards the staged file and releases its preview.
func (h *AttachmentHandler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preview.Release()
	h.staged = nil
	h.preview = nil
}

// Take hands the staged file off to a send. The handler's own reference is
// cleared synchronously so a follow-up send cannot pick up the same file,
// but the preview stays alive: ownership moves to the caller, who releases
// it when the send settles or fails. Returns nil when nothing is staged.
func (h *AttachmentHandler) Take() *StagedAttachment {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		return nil
	}
	out := &StagedAttachment{File: h.staged, Preview: h.previewLocked()}
	h.staged = nil
	h.preview = nil
	return out
}
