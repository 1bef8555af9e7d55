package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/ai"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/storage"
)

const maxPromptLen = 4000

// =============================================================================
// ImageService
// =============================================================================

// ImageService generates images through the LLM provider, stores them, and
// charges the image_generation quota.
type ImageService struct {
	quotas      *QuotaManager
	provider    ai.Provider
	store       storage.Storage
	attachments AttachmentStore
	logger      *slog.Logger
}

// AttachmentStore is the persistence contract for attachment metadata.
// Satisfied by repository.AttachmentRepo.
type AttachmentStore interface {
	Create(ctx context.Context, a *domain.Attachment) (*domain.Attachment, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Attachment, error)
}

// GenerateImageParams is the input for one image generation.
type GenerateImageParams struct {
	Prompt string
	Model  string // Empty selects the provider's configured image model
	Size   string
}

// GeneratedImage is the stored result of one generation.
type GeneratedImage struct {
	Attachment    *domain.Attachment
	URL           string
	RevisedPrompt string
}

// NewImageService creates an ImageService.
func NewImageService(quotas *QuotaManager, provider ai.Provider, store storage.Storage, attachments AttachmentStore, logger *slog.Logger) *ImageService {
	return &ImageService{
		quotas:      quotas,
		provider:    provider,
		store:       store,
		attachments: attachments,
		logger:      logger,
	}
}

// Generate produces one image for the prompt. One unit of image_generation
// quota is consumed atomically before the provider call.
func (s *ImageService) Generate(ctx context.Context, user *domain.User, params GenerateImageParams) (*GeneratedImage, error) {
	const op = "image.generate"

	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, domain.Invalid(op, "prompt is required")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLen {
		return nil, domain.Invalid(op, "prompt is too long")
	}

	if err := s.quotas.Consume(ctx, user, domain.QuotaKeyImageGeneration, 1); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.provider.GenerateImage(ctx, ai.ImageRequest{
		Prompt: prompt,
		Model:  params.Model,
		Size:   params.Size,
	})
	if err != nil {
		metrics.ImagesGenerated.WithLabelValues("error").Inc()
		return nil, s.translateImageError(op, err)
	}

	key := storage.GenerationKey(user.ID, result.ContentType)
	err = s.store.Put(ctx, key, bytes.NewReader(result.Data), storage.PutOptions{
		ContentType: result.ContentType,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to store generated image")
	}

	attachment, err := s.attachments.Create(ctx, &domain.Attachment{
		ID:          uuid.New(),
		UserID:      user.ID,
		FileName:    "generated" + extensionFor(result.ContentType),
		ContentType: result.ContentType,
		SizeBytes:   int64(len(result.Data)),
		StorageKey:  key,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to record generated image")
	}

	url, err := s.store.URL(ctx, key, 24*time.Hour)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to build image URL")
	}

	metrics.ImagesGenerated.WithLabelValues("success").Inc()
	s.logger.Info("image generated",
		"user_id", user.ID,
		"size_bytes", len(result.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &GeneratedImage{
		Attachment:    attachment,
		URL:           url,
		RevisedPrompt: result.RevisedPrompt,
	}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// translateImageError maps provider sentinels onto the domain error taxonomy.
func (s *ImageService) translateImageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ai.ErrContentPolicy):
		return domain.Invalid(op, "prompt was rejected by the content policy")
	case errors.Is(err, ai.ErrRateLimit):
		return domain.RateLimit(op)
	case errors.Is(err, ai.ErrUnauthorized):
		return domain.Config(op, "llm provider rejected the configured credentials")
	default:
		return domain.Internal(err, op, "image generation failed")
	}
}
