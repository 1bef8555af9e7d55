package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/repository"
	"github.com/thoufic67/aiflo/internal/storage"
)

// MaxUploadSize caps chat attachment uploads at 20 MiB.
const MaxUploadSize = 20 << 20

// =============================================================================
// UploadService
// =============================================================================

// UploadService stores chat attachments: bytes in object storage, metadata in
// the database, with a JPEG thumbnail for images.
type UploadService struct {
	store       storage.Storage
	attachments AttachmentStore
	thumbnails  ThumbnailProcessor
	logger      *slog.Logger
}

// NewUploadService creates an UploadService.
func NewUploadService(store storage.Storage, attachments AttachmentStore, thumbnails ThumbnailProcessor, logger *slog.Logger) *UploadService {
	return &UploadService{
		store:       store,
		attachments: attachments,
		thumbnails:  thumbnails,
		logger:      logger,
	}
}

// Upload stores one attachment for the user. Returns the attachment metadata.
func (s *UploadService) Upload(ctx context.Context, user *domain.User, filename, contentType string, data io.Reader) (*domain.Attachment, error) {
	const op = "upload.upload"

	if filename == "" {
		return nil, domain.Invalid(op, "filename is required")
	}
	filename = filepath.Base(filename)

	// Buffer the upload so we can sniff the content type, size-check, and
	// generate a thumbnail from the same bytes.
	buf, err := io.ReadAll(io.LimitReader(data, MaxUploadSize+1))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read upload")
	}
	if len(buf) > MaxUploadSize {
		return nil, &domain.Error{
			Code:    domain.ETOOLARGE,
			Op:      op,
			Message: "file exceeds the maximum upload size",
		}
	}
	if len(buf) == 0 {
		return nil, domain.Invalid(op, "file is empty")
	}

	contentType = storage.DetectContentType(contentType, filename, bytes.NewReader(buf))
	if !storage.IsAllowedAttachmentType(contentType) {
		return nil, domain.Invalid(op, "unsupported file type: "+contentType)
	}

	key := storage.UploadKey(user.ID, filename)
	err = s.store.Put(ctx, key, bytes.NewReader(buf), storage.PutOptions{
		ContentType: contentType,
		MaxSize:     MaxUploadSize,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to store upload")
	}

	thumbnailKey := ""
	if storage.IsImage(contentType) {
		thumbnailKey = s.storeThumbnail(ctx, user.ID, filename, buf)
	}

	attachment, err := s.attachments.Create(ctx, &domain.Attachment{
		ID:           uuid.New(),
		UserID:       user.ID,
		FileName:     filename,
		ContentType:  contentType,
		SizeBytes:    int64(len(buf)),
		StorageKey:   key,
		ThumbnailKey: thumbnailKey,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to record attachment")
	}

	s.logger.Info("attachment uploaded",
		"user_id", user.ID,
		"attachment_id", attachment.ID,
		"content_type", contentType,
		"size_bytes", len(buf),
	)
	return attachment, nil
}

// Get loads attachment metadata, enforcing ownership.
func (s *UploadService) Get(ctx context.Context, user *domain.User, id uuid.UUID) (*domain.Attachment, error) {
	const op = "upload.get"

	attachment, err := s.attachments.Get(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, domain.NotFound(op, "attachment", id.String())
		}
		return nil, domain.Internal(err, op, "failed to load attachment")
	}
	if attachment.UserID != user.ID {
		return nil, domain.NotFound(op, "attachment", id.String())
	}
	return attachment, nil
}

// URL returns an access URL for an attachment the user owns.
func (s *UploadService) URL(ctx context.Context, user *domain.User, id uuid.UUID) (string, error) {
	const op = "upload.url"

	attachment, err := s.Get(ctx, user, id)
	if err != nil {
		return "", err
	}
	url, err := s.store.URL(ctx, attachment.StorageKey, 24*time.Hour)
	if err != nil {
		return "", domain.Internal(err, op, "failed to build attachment URL")
	}
	return url, nil
}

// storeThumbnail generates and stores a thumbnail. Failures are logged, not
// fatal; the upload stands without a preview.
func (s *UploadService) storeThumbnail(ctx context.Context, userID uuid.UUID, filename string, buf []byte) string {
	thumb, _, _, err := s.thumbnails.GenerateThumbnail(bytes.NewReader(buf), thumbnailMaxWidth, thumbnailMaxHeight)
	if err != nil {
		s.logger.Warn("thumbnail generation failed", "user_id", userID, "error", err)
		return ""
	}

	key := storage.ThumbnailKey(userID, filename+".jpg")
	err = s.store.Put(ctx, key, bytes.NewReader(thumb), storage.PutOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		s.logger.Warn("thumbnail store failed", "user_id", userID, "error", err)
		return ""
	}
	return key
}
