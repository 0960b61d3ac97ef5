package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"aprilgo/internal/forms"
	"aprilgo/internal/models"
	"aprilgo/internal/redis"
)

// PersonaInput carries the mutable persona fields.
type PersonaInput struct {
	Name              string
	Attributes        map[string]any
	IsIMessagePersona bool
	IsTelegramPersona bool
}

func (in *PersonaInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return errors.New("persona name required")
	}
	if in.Attributes == nil {
		in.Attributes = map[string]any{}
	}
	return forms.ValidateAll(forms.PersonaFields(), in.Attributes)
}

// CreatePersona inserts a persona for the user. At most one persona per user
// may hold each platform flag; claiming a flag releases it elsewhere.
func (s *Service) CreatePersona(ctx context.Context, userID int64, in PersonaInput) (*models.Persona, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	attrs, err := json.Marshal(in.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode persona attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := releasePlatformFlags(ctx, tx, userID, "", in); err != nil {
		return nil, err
	}

	p := &models.Persona{
		ID:                uuid.NewString(),
		UserID:            userID,
		Name:              in.Name,
		Attributes:        in.Attributes,
		IsIMessagePersona: in.IsIMessagePersona,
		IsTelegramPersona: in.IsTelegramPersona,
		CreatedAt:         s.now().UTC(),
	}
	p.UpdatedAt = p.CreatedAt
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO personas (id, user_id, name, attributes, is_imessage_persona, is_telegram_persona, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, string(attrs), p.IsIMessagePersona, p.IsTelegramPersona, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("create persona: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit persona: %w", err)
	}

	s.invalidate(ctx, redis.EntityKey("personas", userID))
	return p, nil
}

// GetPersona loads one persona owned by the user.
func (s *Service) GetPersona(ctx context.Context, userID int64, personaID string) (*models.Persona, error) {
	key := redis.EntityKey("persona", personaID)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var p models.Persona
			if err := json.Unmarshal([]byte(raw), &p); err == nil && p.UserID == userID {
				return &p, nil
			}
		}
	}

	p, err := scanPersona(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, attributes, is_imessage_persona, is_telegram_persona, created_at, updated_at
		 FROM personas WHERE id = ? AND user_id = ?`, personaID, userID))
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			_ = s.cache.Set(ctx, key, string(raw), entityCacheTTL)
		}
	}
	return p, nil
}

// ListPersonas returns all personas for the user ordered by creation time.
func (s *Service) ListPersonas(ctx context.Context, userID int64) ([]*models.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, attributes, is_imessage_persona, is_telegram_persona, created_at, updated_at
		 FROM personas WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []*models.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePersona persists new persona fields and invalidates the cached entity.
func (s *Service) UpdatePersona(ctx context.Context, userID int64, personaID string, in PersonaInput) (*models.Persona, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	attrs, err := json.Marshal(in.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode persona attributes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := releasePlatformFlags(ctx, tx, userID, personaID, in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE personas SET name = ?, attributes = ?, is_imessage_persona = ?, is_telegram_persona = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		in.Name, string(attrs), in.IsIMessagePersona, in.IsTelegramPersona, now, personaID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("update persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit persona: %w", err)
	}

	s.invalidate(ctx, redis.EntityKey("persona", personaID), redis.EntityKey("personas", userID))
	return s.GetPersona(ctx, userID, personaID)
}

// DeletePersona removes the persona; messages and attachments cascade.
func (s *Service) DeletePersona(ctx context.Context, userID int64, personaID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM personas WHERE id = ? AND user_id = ?`, personaID, userID)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx,
		redis.EntityKey("persona", personaID),
		redis.EntityKey("personas", userID),
		redis.EntityKey("history", personaID),
	)
	return nil
}

// releasePlatformFlags clears a claimed platform flag from every other
// persona of the user so the flag stays exclusive.
func releasePlatformFlags(ctx context.Context, tx *sql.Tx, userID int64, keepID string, in PersonaInput) error {
	if in.IsIMessagePersona {
		if _, err := tx.ExecContext(ctx,
			`UPDATE personas SET is_imessage_persona = 0 WHERE user_id = ? AND id != ?`, userID, keepID); err != nil {
			return fmt.Errorf("release imessage flag: %w", err)
		}
	}
	if in.IsTelegramPersona {
		if _, err := tx.ExecContext(ctx,
			`UPDATE personas SET is_telegram_persona = 0 WHERE user_id = ? AND id != ?`, userID, keepID); err != nil {
			return fmt.Errorf("release telegram flag: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersona(row rowScanner) (*models.Persona, error) {
	var (
		p     models.Persona
		attrs string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &attrs, &p.IsIMessagePersona, &p.IsTelegramPersona, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan persona: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return nil, fmt.Errorf("decode persona attributes: %w", err)
	}
	return &p, nil
}
