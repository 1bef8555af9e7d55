package handler

import (
	"log/slog"
	"net/http"

	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// QuotaHandler serves quota checks and usage dashboards.
//
// Routes (authenticated):
//   - POST /api/quota/check
//   - GET  /api/quota/status
type QuotaHandler struct {
	quotas *service.QuotaManager
	logger *slog.Logger
}

// NewQuotaHandler creates a QuotaHandler.
func NewQuotaHandler(quotas *service.QuotaManager, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{quotas: quotas, logger: logger}
}

type quotaCheckRequest struct {
	QuotaKey string `json:"quotaKey"`
	Units    int64  `json:"units"`
}

// HandleCheck reports whether the user may spend units against a quota key
// without consuming anything. Exhausted quotas respond 429 with usage
// details.
func (h *QuotaHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req quotaCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.Units == 0 {
		req.Units = 1
	}

	if err := h.quotas.Check(r.Context(), user, domain.QuotaKey(req.QuotaKey), req.Units); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]any{"allowed": true})
}

// HandleStatus returns the subscription summary and every quota's usage.
func (h *QuotaHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	statuses, err := h.quotas.Status(r.Context(), user.ID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"subscription": map[string]string{
			"tier":   string(user.Tier()),
			"status": string(user.SubscriptionStatus),
		},
		"quotas": statuses,
	})
}
