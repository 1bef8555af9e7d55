package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thoufic67/aiflo/internal/domain"
)

// ConversationRepo persists conversations and their messages.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

const conversationColumns = `id, user_id, title, model, COALESCE(share_token, ''), created_at, updated_at`

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.ShareToken, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// Create inserts a new conversation.
func (r *ConversationRepo) Create(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, user_id, title, model)
		VALUES ($1, $2, $3, $4)
		RETURNING `+conversationColumns,
		c.ID, c.UserID, c.Title, c.Model)
	return scanConversation(row)
}

// Get loads a conversation by ID.
func (r *ConversationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetByShareToken loads a shared conversation by its public token.
func (r *ConversationRepo) GetByShareToken(ctx context.Context, token string) (*domain.Conversation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE share_token = $1`, token)
	return scanConversation(row)
}

// ListByUser returns a user's conversations, most recently updated first.
func (r *ConversationRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetShareToken stores the public share token for a conversation.
func (r *ConversationRepo) SetShareToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations SET share_token = $2, updated_at = now() WHERE id = $1`,
		id, token)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch updates the conversation's model and updated_at after new activity.
func (r *ConversationRepo) Touch(ctx context.Context, id uuid.UUID, model string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations SET model = $2, updated_at = now() WHERE id = $1`,
		id, model)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// AppendMessage stores one message in a conversation.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m *domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, model, input_tokens, output_tokens, attachment_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Model, m.InputTokens, m.OutputTokens, m.AttachmentIDs)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (r *ConversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, model, input_tokens, output_tokens,
			COALESCE(attachment_ids, '{}'), created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Model,
			&m.InputTokens, &m.OutputTokens, &m.AttachmentIDs, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
