package assistant

import (
	"context"
	"database/sql"
	"fmt"

	"aprilgo/internal/models"
	"aprilgo/internal/redis"
)

// AppendMessage persists one conversation turn and returns its durable id.
// The attachment path, when present, is stored alongside the content so
// history rebuilds the reference on load.
func (s *Service) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	var filePath sql.NullString
	if msg.Attach.Kind() == models.AttachmentPath {
		filePath = sql.NullString{String: msg.Attach.Path(), Valid: true}
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, persona_id, role, content, file_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.PersonaID, string(msg.Role), msg.Content, filePath, createdAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	s.invalidate(ctx, redis.EntityKey("history", msg.PersonaID))
	return id, nil
}

// ListMessages returns the persona's history in creation order.
func (s *Service) ListMessages(ctx context.Context, userID int64, personaID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, persona_id, role, content, file_path, created_at
		 FROM messages WHERE user_id = ? AND persona_id = ? ORDER BY created_at, id`,
		userID, personaID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			m        models.Message
			role     string
			filePath sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.PersonaID, &role, &m.Content, &filePath, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if filePath.Valid && filePath.String != "" {
			m.Attach = models.PathAttachment(filePath.String)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a single turn by id.
func (s *Service) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteMessages clears the persona's history.
func (s *Service) DeleteMessages(ctx context.Context, userID int64, personaID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE user_id = ? AND persona_id = ?`, userID, personaID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	s.invalidate(ctx, redis.EntityKey("history", personaID))
	return nil
}
