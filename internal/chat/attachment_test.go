package chat

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"aprilgo/internal/models"
)

func imageFile(name string, size int64) *models.LocalFile {
	return &models.LocalFile{Name: name, ContentType: "image/png", Size: size, Data: []byte("png")}
}

func TestStageRejectsOversizedFile(t *testing.T) {
	h := NewAttachmentHandler()
	err := h.Stage(imageFile("big.png", MaxAttachmentBytes+1))
	if err == nil {
		t.Fatal("expected oversized file to be rejected")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if h.Staged() != nil {
		t.Fatal("rejected file must not be staged")
	}
}

func TestStageRejectsNonImage(t *testing.T) {
	h := NewAttachmentHandler()
	err := h.Stage(&models.LocalFile{Name: "notes.pdf", ContentType: "application/pdf", Size: 128})
	if err == nil {
		t.Fatal("expected non-image file to be rejected")
	}
	if !strings.Contains(err.Error(), "image") {
		t.Fatalf("unexpected reason: %v", err)
	}
}

func TestStagingReplacementReleasesEachPreviewOnce(t *testing.T) {
	var releases atomic.Int32
	h := NewAttachmentHandler(WithPreviewReleaseHook(func() { releases.Add(1) }))

	if err := h.Stage(imageFile("a.png", 100)); err != nil {
		t.Fatalf("stage a: %v", err)
	}
	pa := h.Preview()
	if pa == nil || pa.URL == "" {
		t.Fatal("expected a preview for the staged file")
	}

	if err := h.Stage(imageFile("b.png", 100)); err != nil {
		t.Fatalf("stage b: %v", err)
	}
	pb := h.Preview()
	if pb == nil || pb.URL == pa.URL {
		t.Fatal("replacement must derive a fresh preview")
	}

	h.Clear()
	if got := releases.Load(); got != 2 {
		t.Fatalf("expected exactly 2 preview releases, got %d", got)
	}

	// Releasing again must not double-free.
	pa.Release()
	pb.Release()
	if got := releases.Load(); got != 2 {
		t.Fatalf("release must be idempotent, got %d", got)
	}
}

func TestTakeClearsStagedButKeepsPreviewAlive(t *testing.T) {
	var releases atomic.Int32
	h := NewAttachmentHandler(WithPreviewReleaseHook(func() { releases.Add(1) }))
	if err := h.Stage(imageFile("a.png", 100)); err != nil {
		t.Fatalf("stage: %v", err)
	}

	staged := h.Take()
	if staged == nil || staged.File.Name != "a.png" {
		t.Fatal("take must hand off the staged file")
	}
	if h.Staged() != nil {
		t.Fatal("take must clear the handler's reference synchronously")
	}
	if releases.Load() != 0 {
		t.Fatal("take must not release the preview; ownership moves to the caller")
	}

	staged.Preview.Release()
	if releases.Load() != 1 {
		t.Fatal("caller release must free the preview once")
	}
	if h.Take() != nil {
		t.Fatal("second take must return nil")
	}
}
