package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cwygoda/attachdl/internal/domain"
)

// GetMessage loads a message row.
func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var raw string
	err := r.db.GetContext(ctx, &raw, `SELECT json FROM messages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	var msg domain.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

// SaveMessage inserts or replaces a message row.
func (r *Repository) SaveMessage(ctx context.Context, msg *domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sent_at, json) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sent_at = excluded.sent_at,
			json = excluded.json`,
		msg.ID, msg.ConversationID, msg.SentAt.UnixMilli(), string(raw),
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes a message row.
func (r *Repository) DeleteMessage(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}
