package assistant

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSignedURLExpired is returned when a presented token is past its expiry.
var ErrSignedURLExpired = errors.New("signed url expired")

// URLSigner seals and opens file-access tokens with AES-GCM.
type URLSigner struct {
	gcm cipher.AEAD
}

type signedClaims struct {
	Path      string `json:"p"`
	UserID    int64  `json:"u"`
	ExpiresAt int64  `json:"e"`
}

// NewURLSigner builds a signer from an AES key (16, 24, or 32 bytes).
func NewURLSigner(key []byte) (*URLSigner, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signing cipher: %w", err)
	}
	return &URLSigner{gcm: gcm}, nil
}

// Seal encrypts the claims into a URL-safe token.
func (s *URLSigner) Seal(claims signedClaims) (string, error) {
	plain, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts and validates a token.
func (s *URLSigner) Open(token string) (signedClaims, error) {
	var claims signedClaims
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return claims, errors.New("malformed token")
	}
	if len(raw) < s.gcm.NonceSize() {
		return claims, errors.New("malformed token")
	}
	nonce, sealed := raw[:s.gcm.NonceSize()], raw[s.gcm.NonceSize():]
	plain, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return claims, errors.New("invalid token")
	}
	if err := json.Unmarshal(plain, &claims); err != nil {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}

// CreateSignedURL exchanges an opaque stored path for a time-limited URL.
// The path must live under the caller's own prefix. Cached exchanges are
// reused until near expiry, and concurrent requests for the same path are
// collapsed into a single mint.
func (s *Service) CreateSignedURL(ctx context.Context, userID int64, relPath string) (string, error) {
	relPath = strings.TrimPrefix(strings.TrimSpace(relPath), "/")
	if relPath == "" {
		return "", errors.New("path required")
	}
	if !strings.HasPrefix(relPath, strconv.FormatInt(userID, 10)+"/") {
		return "", ErrNotFound
	}

	out, err, _ := s.sf.Do("signed:"+relPath, func() (any, error) {
		now := s.now().UTC()

		var (
			cached    string
			expiresAt time.Time
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT signed_url, expires_at FROM cached_signed_urls WHERE file_path = ? AND user_id = ?`,
			relPath, userID,
		).Scan(&cached, &expiresAt)
		switch {
		case err == nil:
			// Reuse unless the remaining lifetime is too short to be useful.
			if expiresAt.After(now.Add(30 * time.Second)) {
				return cached, nil
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return "", fmt.Errorf("signed url cache: %w", err)
		}

		ttl := time.Duration(s.cfg.Uploads.SignedURLTTLSeconds) * time.Second
		exp := now.Add(ttl)
		token, err := s.signer.Seal(signedClaims{Path: relPath, UserID: userID, ExpiresAt: exp.Unix()})
		if err != nil {
			return "", err
		}
		url := "/api/files/" + token

		// Delete-then-insert keeps the upsert portable across both drivers.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM cached_signed_urls WHERE file_path = ?`, relPath); err != nil {
			return "", fmt.Errorf("cache signed url: %w", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO cached_signed_urls (file_path, user_id, signed_url, expires_at) VALUES (?, ?, ?, ?)`,
			relPath, userID, url, exp,
		); err != nil {
			return "", fmt.Errorf("cache signed url: %w", err)
		}
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// ResolveSignedToken validates a presented token and returns the on-disk
// path of the file it grants access to.
func (s *Service) ResolveSignedToken(token string) (string, error) {
	claims, err := s.signer.Open(token)
	if err != nil {
		return "", err
	}
	if s.now().UTC().Unix() > claims.ExpiresAt {
		return "", ErrSignedURLExpired
	}
	return s.FilePath(claims.Path)
}

// InvalidateSignedURL drops the cached exchange for a path, forcing the next
// request to mint a fresh URL.
func (s *Service) InvalidateSignedURL(ctx context.Context, relPath string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_signed_urls WHERE file_path = ?`, relPath); err != nil {
		return fmt.Errorf("invalidate signed url: %w", err)
	}
	return nil
}
