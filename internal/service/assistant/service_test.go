package assistant

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"aprilgo/internal/config"
	"aprilgo/internal/models"
	"aprilgo/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{}
	cfg.BasicConfig.FileBaseDir = t.TempDir()
	cfg.Uploads.MaxAttachmentBytes = config.DefaultMaxAttachmentBytes
	cfg.Uploads.SignedURLTTLSeconds = config.DefaultSignedURLTTLSeconds
	cfg.Uploads.UserStorageLimit = 1 << 20

	svc, err := NewService(db, nil, cfg, []byte("0123456789abcdef0123456789abcdef"), zap.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func registerUser(t *testing.T, svc *Service) *models.User {
	t.Helper()
	u, err := svc.Register(context.Background(), "tester", "hunter2hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return u
}

func createPersona(t *testing.T, svc *Service, userID int64, in PersonaInput) *models.Persona {
	t.Helper()
	p, err := svc.CreatePersona(context.Background(), userID, in)
	if err != nil {
		t.Fatalf("create persona: %v", err)
	}
	return p
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	u := registerUser(t, svc)
	if u.ID <= 0 {
		t.Fatal("expected assigned user id")
	}

	got, err := svc.Login(ctx, "tester", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("login returned wrong user: %d != %d", got.ID, u.ID)
	}
	if _, err := svc.Login(ctx, "tester", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	// A profile row exists right after registration.
	p, err := svc.GetProfile(ctx, u.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.UserID != u.ID {
		t.Fatalf("profile belongs to wrong user: %d", p.UserID)
	}
}

func TestUpdateProfileValidatesAttributes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)

	if _, err := svc.UpdateProfile(ctx, u.ID, map[string]any{"unknown_key": "x"}, ""); err == nil {
		t.Fatal("unknown attribute must be rejected")
	}
	p, err := svc.UpdateProfile(ctx, u.ID, map[string]any{"display_name": "Sam"}, "+15551234")
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if p.Attributes["display_name"] != "Sam" || p.SenderAddress != "+15551234" {
		t.Fatalf("profile not updated: %+v", p)
	}
}

func TestPlatformFlagStaysExclusive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)

	first := createPersona(t, svc, u.ID, PersonaInput{Name: "April", IsIMessagePersona: true})
	second := createPersona(t, svc, u.ID, PersonaInput{Name: "Hal", IsIMessagePersona: true})

	got, err := svc.GetPersona(ctx, u.ID, first.ID)
	if err != nil {
		t.Fatalf("get persona: %v", err)
	}
	if got.IsIMessagePersona {
		t.Fatal("claiming the flag must release it from the earlier persona")
	}
	got, err = svc.GetPersona(ctx, u.ID, second.ID)
	if err != nil {
		t.Fatalf("get persona: %v", err)
	}
	if !got.IsIMessagePersona {
		t.Fatal("the claiming persona must hold the flag")
	}
}

func TestPersonaOwnershipEnforced(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	other, err := svc.Register(ctx, "someone", "password123")
	if err != nil {
		t.Fatalf("register other: %v", err)
	}

	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})
	if _, err := svc.GetPersona(ctx, other.ID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign persona, got %v", err)
	}
	if err := svc.DeletePersona(ctx, other.ID, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting foreign persona, got %v", err)
	}
}

func TestMessagesRoundTripWithAttachmentPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})

	id1, err := svc.AppendMessage(ctx, &models.Message{
		UserID: u.ID, PersonaID: p.ID, Role: models.RoleUser,
		Content: "look at this",
		Attach:  models.PathAttachment("1/abc/img.png"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := svc.AppendMessage(ctx, &models.Message{
		UserID: u.ID, PersonaID: p.ID, Role: models.RoleAssistant, Content: "nice",
	}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, u.ID, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[0].Attach.Path() != "1/abc/img.png" {
		t.Fatalf("first message lost its attachment reference: %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || !msgs[1].Attach.IsZero() {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
}

func TestSaveAttachmentEnforcesQuota(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})

	data := make([]byte, 600<<10)
	file := &models.LocalFile{Name: "a.png", ContentType: "image/png", Size: int64(len(data)), Data: data}
	rec, err := svc.SaveAttachment(ctx, u.ID, p.ID, file)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(rec.Path, "1/") {
		t.Fatalf("stored path must start with the user prefix, got %q", rec.Path)
	}
	abs, err := svc.FilePath(rec.Path)
	if err != nil {
		t.Fatalf("file path: %v", err)
	}
	if _, err := os.Stat(abs); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}

	// Second upload of the same size exceeds the 1 MiB test quota.
	if _, err := svc.SaveAttachment(ctx, u.ID, p.ID, file); !errors.Is(err, ErrStorageQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
}

func TestSignedURLExchange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})

	file := &models.LocalFile{Name: "a.png", ContentType: "image/png", Size: 4, Data: []byte("data")}
	rec, err := svc.SaveAttachment(ctx, u.ID, p.ID, file)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	url1, err := svc.CreateSignedURL(ctx, u.ID, rec.Path)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(url1, "/api/files/") {
		t.Fatalf("unexpected url shape: %q", url1)
	}

	// The cached exchange is reused while fresh.
	url2, err := svc.CreateSignedURL(ctx, u.ID, rec.Path)
	if err != nil {
		t.Fatalf("sign again: %v", err)
	}
	if url1 != url2 {
		t.Fatal("fresh cached exchange must be reused")
	}

	// Explicit invalidation forces a new mint.
	if err := svc.InvalidateSignedURL(ctx, rec.Path); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	url3, err := svc.CreateSignedURL(ctx, u.ID, rec.Path)
	if err != nil {
		t.Fatalf("sign after invalidate: %v", err)
	}
	if url3 == url1 {
		t.Fatal("invalidated exchange must mint a fresh url")
	}

	token := strings.TrimPrefix(url3, "/api/files/")
	abs, err := svc.ResolveSignedToken(token)
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if filepath.Base(abs) == "" {
		t.Fatalf("unexpected resolved path %q", abs)
	}
	got, err := os.ReadFile(abs)
	if err != nil || string(got) != "data" {
		t.Fatalf("resolved file unreadable: %v", err)
	}
}

func TestSignedURLRefusesForeignPath(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)

	if _, err := svc.CreateSignedURL(ctx, u.ID, "999/other/img.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign prefix, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})

	file := &models.LocalFile{Name: "a.png", ContentType: "image/png", Size: 4, Data: []byte("data")}
	rec, err := svc.SaveAttachment(ctx, u.ID, p.ID, file)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	url, err := svc.CreateSignedURL(ctx, u.ID, rec.Path)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	svc.now = func() time.Time {
		return time.Now().Add(time.Duration(svc.cfg.Uploads.SignedURLTTLSeconds+10) * time.Second)
	}
	token := strings.TrimPrefix(url, "/api/files/")
	if _, err := svc.ResolveSignedToken(token); !errors.Is(err, ErrSignedURLExpired) {
		t.Fatalf("expected ErrSignedURLExpired, got %v", err)
	}
}

func TestCleanerRemovesExpiredUploads(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	u := registerUser(t, svc)
	p := createPersona(t, svc, u.ID, PersonaInput{Name: "April"})

	file := &models.LocalFile{Name: "a.png", ContentType: "image/png", Size: 4, Data: []byte("data")}
	rec, err := svc.SaveAttachment(ctx, u.ID, p.ID, file)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	abs, _ := svc.FilePath(rec.Path)

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	svc.cleanExpired(ctx)

	if _, err := os.Stat(abs); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expired file must be removed, stat err=%v", err)
	}
	used, err := svc.StorageUsage(ctx, u.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Fatalf("expired rows must be deleted, usage=%d", used)
	}
}
