package handler

import (
	"log/slog"
	"net/http"

	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// ImageHandler serves image generation.
//
// Routes (authenticated):
//   - POST /api/images/generations
type ImageHandler struct {
	images *service.ImageService
	logger *slog.Logger
}

// NewImageHandler creates an ImageHandler.
func NewImageHandler(images *service.ImageService, logger *slog.Logger) *ImageHandler {
	return &ImageHandler{images: images, logger: logger}
}

type generateImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
}

// HandleGenerate generates an image from a prompt, stores it, and returns
// the attachment with a download URL.
func (h *ImageHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req generateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.images.Generate(r.Context(), user, service.GenerateImageParams{
		Prompt: req.Prompt,
		Model:  req.Model,
		Size:   req.Size,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusCreated, map[string]any{
		"attachmentId":  result.Attachment.ID.String(),
		"url":           result.URL,
		"contentType":   result.Attachment.ContentType,
		"revisedPrompt": result.RevisedPrompt,
	})
}
