package assistant

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"aprilgo/internal/models"
	"aprilgo/internal/redis"
)

// ErrInvalidCredentials is returned for a bad username/password pair.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Register creates a new user and an empty profile row.
func (s *Service) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 {
		return nil, errors.New("username must be at least 3 characters")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hashPassword(password), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, attributes, sender_address, updated_at) VALUES (?, '{}', '', ?)`,
		id, now,
	); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return &models.User{ID: id, Username: username, CreatedAt: now}, nil
}

// Login verifies credentials and returns the user.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username),
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u.PasswordHash != hashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// DeleteUser removes the user's rows and uploaded files. Foreign keys cascade
// the database side; files on disk are removed explicitly.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.invalidate(ctx,
		redis.EntityKey("profile", userID),
		redis.EntityKey("personas", userID),
	)
	if dir := s.userDir(userID); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("remove user files", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) userDir(userID int64) string {
	base := s.cfg.BasicConfig.FileBaseDir
	if base == "" {
		return ""
	}
	return filepath.Join(base, strconv.FormatInt(userID, 10))
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.log.Warn("cache invalidate", zap.Strings("keys", keys), zap.Error(err))
	}
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
