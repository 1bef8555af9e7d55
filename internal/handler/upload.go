package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// UploadHandler serves attachment uploads and retrieval.
//
// Routes (authenticated):
//   - POST /api/uploads
//   - GET  /api/attachments/{id}
//   - GET  /api/attachments/{id}/url
type UploadHandler struct {
	uploads *service.UploadService
	logger  *slog.Logger
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(uploads *service.UploadService, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{uploads: uploads, logger: logger}
}

type attachmentResponse struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	HasThumb    bool      `json:"hasThumbnail"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toAttachmentResponse(a *domain.Attachment) attachmentResponse {
	return attachmentResponse{
		ID:          a.ID.String(),
		FileName:    a.FileName,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		HasThumb:    a.ThumbnailKey != "",
		CreatedAt:   a.CreatedAt,
	}
}

// HandleUpload accepts one multipart file under the "file" field.
func (h *UploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	// ParseMultipartForm spools anything beyond this to disk; the service
	// enforces the real size limit while reading.
	if err := r.ParseMultipartForm(service.MaxUploadSize); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "missing file field"))
		return
	}
	defer file.Close()

	attachment, err := h.uploads.Upload(r.Context(), user, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusCreated, map[string]any{
		"attachment": toAttachmentResponse(attachment),
	})
}

// HandleGet returns attachment metadata.
func (h *UploadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid attachment id"))
		return
	}

	attachment, err := h.uploads.Get(r.Context(), user, id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"attachment": toAttachmentResponse(attachment),
	})
}

// HandleURL returns a time-limited download URL for the attachment.
func (h *UploadHandler) HandleURL(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid attachment id"))
		return
	}

	url, err := h.uploads.URL(r.Context(), user, id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]string{"url": url})
}
