package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"aprilgo/internal/forms"
	"aprilgo/internal/models"
	"aprilgo/internal/redis"
)

// GetProfile loads the user's profile, preferring the entity cache.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	key := redis.EntityKey("profile", userID)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var p models.Profile
			if err := json.Unmarshal([]byte(raw), &p); err == nil {
				return &p, nil
			}
		}
	}

	var (
		p     models.Profile
		attrs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, attributes, sender_address, updated_at FROM profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &attrs, &p.SenderAddress, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return nil, fmt.Errorf("decode profile attributes: %w", err)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(&p); err == nil {
			_ = s.cache.Set(ctx, key, string(raw), entityCacheTTL)
		}
	}
	return &p, nil
}

// UpdateProfile validates and persists new profile attributes, then
// invalidates the cached entity.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, attrs map[string]any, senderAddress string) (*models.Profile, error) {
	if err := forms.ValidateAll(forms.ProfileFields(), attrs); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode profile attributes: %w", err)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET attributes = ?, sender_address = ?, updated_at = ? WHERE user_id = ?`,
		string(raw), senderAddress, now, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	s.invalidate(ctx, redis.EntityKey("profile", userID))

	return &models.Profile{UserID: userID, Attributes: attrs, SenderAddress: senderAddress, UpdatedAt: now}, nil
}
