// Package assistant implements the persistence-facing services: users,
// profiles, personas, message history, attachments, and signed URLs.
package assistant

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"aprilgo/internal/config"
	"aprilgo/internal/redis"
)

// ErrNotFound is returned when the requested row does not exist or does not
// belong to the caller.
var ErrNotFound = errors.New("not found")

// Service bundles database access with the entity cache. The cache client is
// optional; all reads fall through to the database when it is absent.
type Service struct {
	db     *sql.DB
	cache  *redis.Client
	cfg    *config.Config
	log    *zap.Logger
	signer *URLSigner
	sf     singleflight.Group
	now    func() time.Time
}

// NewService wires the assistant service. The signing key must be 16, 24, or
// 32 bytes (AES-128/192/256).
func NewService(db *sql.DB, cache *redis.Client, cfg *config.Config, signingKey []byte, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	signer, err := NewURLSigner(signingKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:     db,
		cache:  cache,
		cfg:    cfg,
		log:    log,
		signer: signer,
		now:    time.Now,
	}, nil
}

// entityCacheTTL bounds how stale a cached entity can get even if an
// invalidation is missed.
const entityCacheTTL = 60 * time.Second
