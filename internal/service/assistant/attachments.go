package assistant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aprilgo/internal/models"
)

const defaultAttachmentTTL = 30 * 24 * time.Hour

// ErrStorageQuotaExceeded rejects uploads that would push the user past the
// configured storage limit.
var ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

// SaveAttachment writes the file under the user's directory and records it
// with an expiry. The returned record's Path is the opaque reference stored
// on messages; it always starts with "<userID>/".
func (s *Service) SaveAttachment(ctx context.Context, userID int64, personaID string, file *models.LocalFile) (*models.Attachment, error) {
	if file == nil || len(file.Data) == 0 {
		return nil, errors.New("empty file")
	}
	if file.Size > s.cfg.Uploads.MaxAttachmentBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", s.cfg.Uploads.MaxAttachmentBytes)
	}
	if !strings.HasPrefix(file.ContentType, "image/") {
		return nil, errors.New("only image uploads are accepted")
	}

	if limit := s.cfg.Uploads.UserStorageLimit; limit > 0 {
		used, err := s.StorageUsage(ctx, userID)
		if err != nil {
			return nil, err
		}
		if used+file.Size > limit {
			return nil, ErrStorageQuotaExceeded
		}
	}

	name := sanitizeFileName(file.Name)
	relPath := filepath.ToSlash(filepath.Join(
		strconv.FormatInt(userID, 10), personaID, uuid.NewString()+"_"+name))
	absPath := filepath.Join(s.cfg.BasicConfig.FileBaseDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(absPath, file.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	ttl := defaultAttachmentTTL
	if h := s.cfg.Uploads.AttachmentTTLHours; h > 0 {
		ttl = time.Duration(h) * time.Hour
	}
	now := s.now().UTC()
	rec := &models.Attachment{
		UserID:    userID,
		PersonaID: personaID,
		FileName:  name,
		Path:      relPath,
		MimeType:  file.ContentType,
		Size:      file.Size,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (user_id, persona_id, file_name, stored_path, mime_type, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.PersonaID, rec.FileName, rec.Path, rec.MimeType, rec.Size, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		os.Remove(absPath)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}
	return rec, nil
}

// StorageUsage sums the bytes the user's attachments occupy.
func (s *Service) StorageUsage(ctx context.Context, userID int64) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM attachments WHERE user_id = ?`, userID,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	return used, nil
}

// FilePath resolves an opaque stored path to its on-disk location, refusing
// anything that escapes the upload root.
func (s *Service) FilePath(relPath string) (string, error) {
	base := s.cfg.BasicConfig.FileBaseDir
	abs := filepath.Join(base, filepath.FromSlash(relPath))
	cleanBase := filepath.Clean(base) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(abs)+string(filepath.Separator), cleanBase) {
		return "", errors.New("invalid file path")
	}
	return abs, nil
}

// StartCleaner launches the background loop that removes expired attachments
// and stale signed-URL cache rows. It returns once ctx is cancelled.
func (s *Service) StartCleaner(ctx context.Context) {
	interval := time.Duration(s.cfg.Uploads.CleanupIntervalMins) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanExpired(ctx)
		}
	}
}

func (s *Service) cleanExpired(ctx context.Context) {
	now := s.now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM attachments WHERE expires_at < ?`, now)
	if err != nil {
		s.log.Warn("scan expired attachments", zap.Error(err))
		return
	}
	type expired struct {
		id   int64
		path string
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path); err == nil {
			batch = append(batch, e)
		}
	}
	rows.Close()

	for _, e := range batch {
		if abs, err := s.FilePath(e.path); err == nil {
			if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("remove expired file", zap.String("path", e.path), zap.Error(err))
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, e.id); err != nil {
			s.log.Warn("delete attachment row", zap.Int64("id", e.id), zap.Error(err))
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_signed_urls WHERE expires_at < ?`, now); err != nil {
		s.log.Warn("prune signed url cache", zap.Error(err))
	}
	if len(batch) > 0 {
		s.log.Info("cleaned expired attachments", zap.Int("count", len(batch)))
	}
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
