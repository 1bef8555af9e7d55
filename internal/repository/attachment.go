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

// AttachmentRepo persists upload metadata. The bytes live in object storage.
type AttachmentRepo struct {
	pool *pgxpool.Pool
}

const attachmentColumns = `id, user_id, file_name, content_type, size_bytes, storage_key,
	COALESCE(thumbnail_key, ''), created_at`

func scanAttachment(row pgx.Row) (*domain.Attachment, error) {
	var a domain.Attachment
	err := row.Scan(&a.ID, &a.UserID, &a.FileName, &a.ContentType, &a.SizeBytes,
		&a.StorageKey, &a.ThumbnailKey, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan attachment: %w", err)
	}
	return &a, nil
}

// Create inserts attachment metadata.
func (r *AttachmentRepo) Create(ctx context.Context, a *domain.Attachment) (*domain.Attachment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO attachments (id, user_id, file_name, content_type, size_bytes, storage_key, thumbnail_key)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING `+attachmentColumns,
		a.ID, a.UserID, a.FileName, a.ContentType, a.SizeBytes, a.StorageKey, a.ThumbnailKey)
	return scanAttachment(row)
}

// Get loads attachment metadata by ID.
func (r *AttachmentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Attachment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id)
	return scanAttachment(row)
}
