package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/ai"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/metrics"
	"github.com/thoufic67/aiflo/internal/repository"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// ConversationStore is the persistence contract for conversations. Satisfied
// by repository.ConversationRepo.
type ConversationStore interface {
	Create(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	GetByShareToken(ctx context.Context, token string) (*domain.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error)
	SetShareToken(ctx context.Context, id uuid.UUID, token string) error
	Touch(ctx context.Context, id uuid.UUID, model string) error
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error)
}

// =============================================================================
// ChatService
// =============================================================================

const (
	maxMessageLen = 32_000
	titleMaxLen   = 80
)

// ChatService runs chat turns against the LLM provider, persisting the
// conversation and charging the message quota.
//
// Every turn consumes one unit of either small_messages or large_messages,
// chosen by the requested model's family. The quota is consumed atomically
// before the provider call; provider failures after a successful consume are
// not refunded.
type ChatService struct {
	conversations ConversationStore
	quotas        *QuotaManager
	provider      ai.Provider
	defaultModel  string
	logger        *slog.Logger
}

// SendMessageParams is the input for one chat turn.
type SendMessageParams struct {
	ConversationID uuid.UUID // Zero value starts a new conversation
	Model          string    // Empty selects the configured default
	Content        string
	AttachmentIDs  []uuid.UUID
}

// ChatResult is a completed non-streaming chat turn.
type ChatResult struct {
	Conversation     *domain.Conversation
	UserMessage      *domain.Message
	AssistantMessage *domain.Message
	Usage            ai.Usage
}

// NewChatService creates a ChatService.
func NewChatService(conversations ConversationStore, quotas *QuotaManager, provider ai.Provider, defaultModel string, logger *slog.Logger) *ChatService {
	return &ChatService{
		conversations: conversations,
		quotas:        quotas,
		provider:      provider,
		defaultModel:  defaultModel,
		logger:        logger,
	}
}

// QuotaKeyForModel maps a model identifier to the quota key its messages are
// billed against.
func QuotaKeyForModel(model string) domain.QuotaKey {
	if ai.IsLargeModel(model) {
		return domain.QuotaKeyLargeMessages
	}
	return domain.QuotaKeySmallMessages
}

// SendMessage runs one non-streaming chat turn.
func (s *ChatService) SendMessage(ctx context.Context, user *domain.User, params SendMessageParams) (*ChatResult, error) {
	const op = "chat.send_message"

	turn, err := s.beginTurn(ctx, op, user, &params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.provider.ChatCompletion(ctx, ai.ChatRequest{
		Model:    params.Model,
		Messages: turn.history,
	})
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("chat", "error").Inc()
		return nil, s.translateProviderError(op, err)
	}
	metrics.LLMRequestsTotal.WithLabelValues("chat", "success").Inc()
	metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(resp.Usage.InputTokens))
	metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(resp.Usage.OutputTokens))

	assistant, err := s.finishTurn(ctx, op, turn, resp.Content, resp.Usage)
	if err != nil {
		return nil, err
	}

	s.logger.Info("chat turn completed",
		"user_id", user.ID,
		"conversation_id", turn.conversation.ID,
		"model", params.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &ChatResult{
		Conversation:     turn.conversation,
		UserMessage:      turn.userMessage,
		AssistantMessage: assistant,
		Usage:            resp.Usage,
	}, nil
}

// ChatStream is a streaming chat turn in progress. Recv yields increments;
// after the final chunk the assistant message is persisted automatically.
type ChatStream struct {
	Conversation *domain.Conversation
	UserMessage  *domain.Message

	inner   ai.Stream
	svc     *ChatService
	turn    *chatTurn
	content strings.Builder
	usage   ai.Usage
	done    bool
}

// Recv returns the next stream chunk. On io.EOF the accumulated assistant
// message has been persisted and Usage is final.
func (cs *ChatStream) Recv(ctx context.Context) (ai.StreamChunk, error) {
	chunk, err := cs.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) && !cs.done {
			cs.done = true
			metrics.LLMRequestsTotal.WithLabelValues("chat_stream", "success").Inc()
			metrics.LLMTokensTotal.WithLabelValues("input").Add(float64(cs.usage.InputTokens))
			metrics.LLMTokensTotal.WithLabelValues("output").Add(float64(cs.usage.OutputTokens))
			if _, perr := cs.svc.finishTurn(ctx, "chat.stream_message", cs.turn, cs.content.String(), cs.usage); perr != nil {
				cs.svc.logger.Error("failed to persist streamed assistant message",
					"conversation_id", cs.turn.conversation.ID, "error", perr)
			}
		} else if !errors.Is(err, io.EOF) {
			metrics.LLMRequestsTotal.WithLabelValues("chat_stream", "error").Inc()
		}
		return chunk, err
	}
	cs.content.WriteString(chunk.TextDelta)
	if chunk.Usage != nil {
		cs.usage = *chunk.Usage
	}
	return chunk, nil
}

// Usage returns the token usage reported by the provider. Final once Recv
// has returned io.EOF.
func (cs *ChatStream) Usage() ai.Usage { return cs.usage }

// Close releases the underlying provider stream.
func (cs *ChatStream) Close() error { return cs.inner.Close() }

// StreamMessage runs one streaming chat turn. The quota is consumed and the
// user message persisted before the first chunk; the assistant message is
// persisted when the stream completes.
func (s *ChatService) StreamMessage(ctx context.Context, user *domain.User, params SendMessageParams) (*ChatStream, error) {
	const op = "chat.stream_message"

	turn, err := s.beginTurn(ctx, op, user, &params)
	if err != nil {
		return nil, err
	}

	stream, err := s.provider.StreamChatCompletion(ctx, ai.ChatRequest{
		Model:    params.Model,
		Messages: turn.history,
	})
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues("chat_stream", "error").Inc()
		return nil, s.translateProviderError(op, err)
	}

	return &ChatStream{
		Conversation: turn.conversation,
		UserMessage:  turn.userMessage,
		inner:        stream,
		svc:          s,
		turn:         turn,
	}, nil
}

// GetConversation loads a conversation with its messages, enforcing ownership.
func (s *ChatService) GetConversation(ctx context.Context, user *domain.User, id uuid.UUID) (*domain.Conversation, []*domain.Message, error) {
	const op = "chat.get_conversation"

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, domain.NotFound(op, "conversation", id.String())
		}
		return nil, nil, domain.Internal(err, op, "failed to load conversation")
	}
	if conv.UserID != user.ID {
		return nil, nil, domain.NotFound(op, "conversation", id.String())
	}

	messages, err := s.conversations.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, domain.Internal(err, op, "failed to load messages")
	}
	return conv, messages, nil
}

// ListConversations returns a page of the user's conversations.
func (s *ChatService) ListConversations(ctx context.Context, user *domain.User, limit, offset int) ([]*domain.Conversation, error) {
	const op = "chat.list_conversations"

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	out, err := s.conversations.ListByUser(ctx, user.ID, limit, offset)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list conversations")
	}
	return out, nil
}

// ShareConversation mints a public share token for a conversation, or returns
// the existing one. Only the owner may share.
func (s *ChatService) ShareConversation(ctx context.Context, user *domain.User, id uuid.UUID) (string, error) {
	const op = "chat.share_conversation"

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return "", domain.NotFound(op, "conversation", id.String())
		}
		return "", domain.Internal(err, op, "failed to load conversation")
	}
	if conv.UserID != user.ID {
		return "", domain.NotFound(op, "conversation", id.String())
	}
	if conv.Shared() {
		return conv.ShareToken, nil
	}

	token := uuid.NewString()
	if err := s.conversations.SetShareToken(ctx, id, token); err != nil {
		return "", domain.Internal(err, op, "failed to share conversation")
	}
	return token, nil
}

// GetSharedConversation loads a conversation by its public share token. No
// authentication required.
func (s *ChatService) GetSharedConversation(ctx context.Context, token string) (*domain.Conversation, []*domain.Message, error) {
	const op = "chat.get_shared_conversation"

	if token == "" {
		return nil, nil, domain.Invalid(op, "share token is required")
	}
	conv, err := s.conversations.GetByShareToken(ctx, token)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, domain.NotFound(op, "shared conversation", token)
		}
		return nil, nil, domain.Internal(err, op, "failed to load shared conversation")
	}
	messages, err := s.conversations.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, nil, domain.Internal(err, op, "failed to load messages")
	}
	return conv, messages, nil
}

// =============================================================================
// Internals
// =============================================================================

// chatTurn carries the state shared between beginTurn and finishTurn.
type chatTurn struct {
	conversation *domain.Conversation
	userMessage  *domain.Message
	history      []ai.Message
	model        string
}

// beginTurn validates input, consumes the message quota, resolves or creates
// the conversation, persists the user message, and builds the provider
// history. Mutates params to fill in the default model.
func (s *ChatService) beginTurn(ctx context.Context, op string, user *domain.User, params *SendMessageParams) (*chatTurn, error) {
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, domain.Invalid(op, "message content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLen {
		return nil, domain.Invalid(op, "message content is too long")
	}
	if params.Model == "" {
		params.Model = s.defaultModel
	}

	if err := s.quotas.Consume(ctx, user, QuotaKeyForModel(params.Model), 1); err != nil {
		return nil, err
	}

	conv, prior, err := s.resolveConversation(ctx, op, user, params.ConversationID, content, params.Model)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
		AttachmentIDs:  params.AttachmentIDs,
	}
	if err := s.conversations.AppendMessage(ctx, userMsg); err != nil {
		return nil, domain.Internal(err, op, "failed to persist message")
	}

	history := make([]ai.Message, 0, len(prior)+1)
	for _, m := range prior {
		history = append(history, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	history = append(history, ai.Message{Role: string(domain.RoleUser), Content: content})

	return &chatTurn{
		conversation: conv,
		userMessage:  userMsg,
		history:      history,
		model:        params.Model,
	}, nil
}

// finishTurn persists the assistant reply and touches the conversation.
func (s *ChatService) finishTurn(ctx context.Context, op string, turn *chatTurn, content string, usage ai.Usage) (*domain.Message, error) {
	assistant := &domain.Message{
		ID:             uuid.New(),
		ConversationID: turn.conversation.ID,
		Role:           domain.RoleAssistant,
		Content:        content,
		Model:          turn.model,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
	}
	if err := s.conversations.AppendMessage(ctx, assistant); err != nil {
		return nil, domain.Internal(err, op, "failed to persist assistant message")
	}
	if err := s.conversations.Touch(ctx, turn.conversation.ID, turn.model); err != nil {
		s.logger.Warn("failed to touch conversation",
			"conversation_id", turn.conversation.ID, "error", err)
	}
	return assistant, nil
}

// resolveConversation loads an existing conversation (enforcing ownership) or
// creates a new one titled from the first message.
func (s *ChatService) resolveConversation(ctx context.Context, op string, user *domain.User, id uuid.UUID, content, model string) (*domain.Conversation, []*domain.Message, error) {
	if id == uuid.Nil {
		conv, err := s.conversations.Create(ctx, &domain.Conversation{
			ID:     uuid.New(),
			UserID: user.ID,
			Title:  titleFromContent(content),
			Model:  model,
		})
		if err != nil {
			return nil, nil, domain.Internal(err, op, "failed to create conversation")
		}
		return conv, nil, nil
	}

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, domain.NotFound(op, "conversation", id.String())
		}
		return nil, nil, domain.Internal(err, op, "failed to load conversation")
	}
	if conv.UserID != user.ID {
		// Hide the existence of other users' conversations.
		return nil, nil, domain.NotFound(op, "conversation", id.String())
	}

	prior, err := s.conversations.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, domain.Internal(err, op, "failed to load messages")
	}
	return conv, prior, nil
}

// titleFromContent derives a conversation title from the first message.
func titleFromContent(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(title) > titleMaxLen {
		runes := []rune(title)
		title = string(runes[:titleMaxLen-1]) + "…"
	}
	return title
}

// translateProviderError maps provider sentinels onto the domain error
// taxonomy.
func (s *ChatService) translateProviderError(op string, err error) error {
	switch {
	case errors.Is(err, ai.ErrContentPolicy):
		return domain.Invalid(op, "prompt was rejected by the content policy")
	case errors.Is(err, ai.ErrRateLimit):
		return domain.RateLimit(op)
	case errors.Is(err, ai.ErrUnauthorized):
		return domain.Config(op, "llm provider rejected the configured credentials")
	case errors.Is(err, context.Canceled):
		return err
	default:
		return domain.Internal(err, op, "llm request failed")
	}
}
