package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/middleware"
	"github.com/thoufic67/aiflo/internal/service"
)

// ChatHandler serves chat completions.
//
// Routes (authenticated):
//   - POST /api/chat
type ChatHandler struct {
	chat   *service.ChatService
	logger *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(chat *service.ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, logger: logger}
}

type chatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
	Message        string `json:"message"`
	Stream         bool   `json:"stream,omitempty"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:        m.ID.String(),
		Role:      string(m.Role),
		Content:   m.Content,
		Model:     m.Model,
		CreatedAt: m.CreatedAt,
	}
}

// HandleChat runs one chat turn. With stream:false the full completion is
// returned as JSON; with stream:true the response is sent as server-sent
// events ending with a usage summary and a [DONE] sentinel.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	params := service.SendMessageParams{
		Model:   req.Model,
		Content: req.Message,
	}
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			ErrorResponse(w, r, h.logger, domain.Invalid("", "invalid conversation id"))
			return
		}
		params.ConversationID = id
	}

	if req.Stream {
		h.streamChat(w, r, user, params)
		return
	}

	result, err := h.chat.SendMessage(r.Context(), user, params)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	respondJSON(w, h.logger, http.StatusOK, map[string]any{
		"conversationId": result.Conversation.ID.String(),
		"title":          result.Conversation.Title,
		"message":        toMessageResponse(result.AssistantMessage),
		"usage":          result.Usage,
	})
}

func (h *ChatHandler) streamChat(w http.ResponseWriter, r *http.Request, user *domain.User, params service.SendMessageParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrorResponse(w, r, h.logger, domain.Internal(nil, "", "streaming is not supported"))
		return
	}

	stream, err := h.chat.StreamMessage(r.Context(), user, params)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, map[string]any{"conversationId": stream.Conversation.ID.String()})
	flusher.Flush()

	for {
		chunk, err := stream.Recv(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("chat stream failed mid-flight", "error", err, "user_id", user.ID)
			writeSSE(w, map[string]any{"error": domain.ErrorMessage(err)})
			flusher.Flush()
			return
		}
		if chunk.TextDelta != "" {
			writeSSE(w, map[string]any{"delta": chunk.TextDelta})
			flusher.Flush()
		}
	}

	writeSSE(w, map[string]any{"usage": stream.Usage()})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeSSE writes one server-sent event carrying a JSON payload.
func writeSSE(w io.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
