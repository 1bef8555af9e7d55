package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// ConversationHandler serves conversation history and sharing.
//
// Routes:
//   - GET  /api/conversations            (authenticated)
//   - GET  /api/conversations/{id}       (authenticated)
//   - POST /api/conversations/{id}/share (authenticated)
//   - GET  /api/share/{token}            (public)
type ConversationHandler struct {
	chat   *service.ChatService
	logger *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(chat *service.ChatService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{chat: chat, logger: logger}
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toConversationResponse(c *domain.Conversation) conversationResponse {
	return conversationResponse{
		ID:        c.ID.String(),
		Title:     c.Title,
		Model:     c.Model,
		Shared:    c.Shared(),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// HandleList returns the user's conversations, most recent first.
func (h *ConversationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	conversations, err := h.chat.ListConversations(r.Context(), user, limit, offset)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, toConversationResponse(c))
	}
	respondJSON(w, h.logger, http.StatusOK, map[string]any{"conversations": out})
}

// HandleGet returns one conversation with its messages.
func (h *ConversationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid conversation id"))
		return
	}

	conv, messages, err := h.chat.GetConversation(r.Context(), user, id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, conversationWithMessages(conv, messages))
}

// HandleShare mints (or returns the existing) public share token.
func (h *ConversationHandler) HandleShare(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid conversation id"))
		return
	}

	token, err := h.chat.ShareConversation(r.Context(), user, id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]string{
		"shareToken": token,
		"shareUrl":   "/api/share/" + token,
	})
}

// HandleShared returns a shared conversation by token. No authentication:
// the token is the capability.
func (h *ConversationHandler) HandleShared(w http.ResponseWriter, r *http.Request) {
	conv, messages, err := h.chat.GetSharedConversation(r.Context(), r.PathValue("token"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, conversationWithMessages(conv, messages))
}

func conversationWithMessages(conv *domain.Conversation, messages []*domain.Message) map[string]any {
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessageResponse(m))
	}
	return map[string]any{
		"conversation": toConversationResponse(conv),
		"messages":     out,
	}
}
