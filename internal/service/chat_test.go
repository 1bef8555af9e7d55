package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/thoufic67/aiflo/internal/ai"
	"github.com/thoufic67/aiflo/internal/domain"
	"github.com/thoufic67/aiflo/internal/repository"
)

// memConversationStore is an in-memory ConversationStore for service tests.
type memConversationStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	messages      map[uuid.UUID][]*domain.Message
}

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		messages:      make(map[uuid.UUID][]*domain.Message),
	}
}

func (s *memConversationStore) Create(_ context.Context, c *domain.Conversation) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	s.conversations[c.ID] = &copied
	out := copied
	return &out, nil
}

func (s *memConversationStore) Get(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *memConversationStore) GetByShareToken(_ context.Context, token string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.ShareToken == token && token != "" {
			out := *c
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memConversationStore) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memConversationStore) SetShareToken(_ context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.ShareToken = token
	return nil
}

func (s *memConversationStore) Touch(_ context.Context, id uuid.UUID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.Model = model
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (s *memConversationStore) AppendMessage(_ context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *m
	copied.CreatedAt = time.Now()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &copied)
	return nil
}

func (s *memConversationStore) ListMessages(_ context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.messages[conversationID] {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

// fakeProvider is a canned ai.Provider recording requests.
type fakeProvider struct {
	mu        sync.Mutex
	chatCalls int
	lastReq   ai.ChatRequest
	response  string
	usage     ai.Usage
	err       error
}

func (f *fakeProvider) ChatCompletion(_ context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ChatResponse{Content: f.response, Model: req.Model, Usage: f.usage}, nil
}

func (f *fakeProvider) StreamChatCompletion(_ context.Context, req ai.ChatRequest) (ai.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{chunks: []ai.StreamChunk{
		{TextDelta: f.response},
		{Usage: &f.usage},
	}}, nil
}

func (f *fakeProvider) GenerateImage(_ context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ai.ImageResult{Data: []byte("png"), ContentType: "image/png"}, nil
}

type fakeStream struct {
	chunks []ai.StreamChunk
	pos    int
}

func (s *fakeStream) Recv() (ai.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return ai.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

func newChatFixture(t *testing.T) (*ChatService, *memConversationStore, *memQuotaStore, *fakeProvider) {
	t.Helper()
	conversations := newMemConversationStore()
	quotaStore := newMemQuotaStore()
	provider := &fakeProvider{
		response: "Hello! How can I help?",
		usage:    ai.Usage{InputTokens: 12, OutputTokens: 8},
	}
	quotas := NewQuotaManager(quotaStore, newTestLogger())
	svc := NewChatService(conversations, quotas, provider, "openai/gpt-4o-mini", newTestLogger())
	return svc, conversations, quotaStore, provider
}

func TestSendMessageCreatesConversation(t *testing.T) {
	svc, store, _, provider := newChatFixture(t)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	result, err := svc.SendMessage(ctx, user, SendMessageParams{
		Content: "What is the capital of France?",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if result.Conversation.Title != "What is the capital of France?" {
		t.Errorf("title = %q", result.Conversation.Title)
	}
	if result.AssistantMessage.Content != "Hello! How can I help?" {
		t.Errorf("assistant content = %q", result.AssistantMessage.Content)
	}
	if result.AssistantMessage.InputTokens != 12 || result.AssistantMessage.OutputTokens != 8 {
		t.Errorf("token counts = %d/%d, want 12/8",
			result.AssistantMessage.InputTokens, result.AssistantMessage.OutputTokens)
	}

	messages, _ := store.ListMessages(ctx, result.Conversation.ID)
	if len(messages) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(messages))
	}
	if messages[0].Role != domain.RoleUser || messages[1].Role != domain.RoleAssistant {
		t.Errorf("roles = %s, %s", messages[0].Role, messages[1].Role)
	}
	if provider.chatCalls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.chatCalls)
	}
}

func TestSendMessageChargesQuotaByModelClass(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantKey domain.QuotaKey
	}{
		{"small model", "openai/gpt-4o-mini", domain.QuotaKeySmallMessages},
		{"large model", "openai/gpt-4o", domain.QuotaKeyLargeMessages},
		{"large anthropic model", "anthropic/claude-3-opus-20240229", domain.QuotaKeyLargeMessages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, quotaStore, _ := newChatFixture(t)
			user := testUser(domain.TierPro)
			ctx := context.Background()

			_, err := svc.SendMessage(ctx, user, SendMessageParams{
				Model:   tt.model,
				Content: "hi",
			})
			if err != nil {
				t.Fatalf("SendMessage() error = %v", err)
			}

			rec, err := quotaStore.Get(ctx, user.ID, tt.wantKey)
			if err != nil {
				t.Fatalf("Get(%s) error = %v", tt.wantKey, err)
			}
			if rec.UsedCount != 1 {
				t.Errorf("%s used = %d, want 1", tt.wantKey, rec.UsedCount)
			}
		})
	}
}

func TestSendMessageQuotaExceededSkipsProvider(t *testing.T) {
	svc, _, _, provider := newChatFixture(t)
	// Free tier grants zero large messages.
	user := testUser(domain.TierFree)

	_, err := svc.SendMessage(context.Background(), user, SendMessageParams{
		Model:   "openai/gpt-4o",
		Content: "hi",
	})

	var quotaErr *domain.QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("error = %v, want *domain.QuotaError", err)
	}
	if quotaErr.Key != domain.QuotaKeyLargeMessages {
		t.Errorf("quota key = %s, want large_messages", quotaErr.Key)
	}
	if provider.chatCalls != 0 {
		t.Errorf("provider calls = %d, want 0 when quota is exhausted", provider.chatCalls)
	}
}

func TestSendMessageContinuesConversation(t *testing.T) {
	svc, _, _, provider := newChatFixture(t)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	first, err := svc.SendMessage(ctx, user, SendMessageParams{Content: "first"})
	if err != nil {
		t.Fatalf("first SendMessage() error = %v", err)
	}
	_, err = svc.SendMessage(ctx, user, SendMessageParams{
		ConversationID: first.Conversation.ID,
		Content:        "second",
	})
	if err != nil {
		t.Fatalf("second SendMessage() error = %v", err)
	}

	// History sent to the provider covers both prior turns plus the new one.
	if len(provider.lastReq.Messages) != 3 {
		t.Errorf("history length = %d, want 3", len(provider.lastReq.Messages))
	}
	if provider.lastReq.Messages[2].Content != "second" {
		t.Errorf("last message = %q, want `second`", provider.lastReq.Messages[2].Content)
	}
}

func TestSendMessageOtherUsersConversation(t *testing.T) {
	svc, _, _, _ := newChatFixture(t)
	ctx := context.Background()
	owner := testUser(domain.TierBasic)
	intruder := testUser(domain.TierBasic)

	conv, err := svc.SendMessage(ctx, owner, SendMessageParams{Content: "mine"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	_, err = svc.SendMessage(ctx, intruder, SendMessageParams{
		ConversationID: conv.Conversation.ID,
		Content:        "theirs",
	})
	if domain.ErrorCode(err) != domain.ENOTFOUND {
		t.Errorf("error code = %s, want ENOTFOUND", domain.ErrorCode(err))
	}
}

func TestSendMessageValidation(t *testing.T) {
	svc, _, _, provider := newChatFixture(t)
	user := testUser(domain.TierBasic)

	_, err := svc.SendMessage(context.Background(), user, SendMessageParams{Content: "   "})
	if domain.ErrorCode(err) != domain.EINVALID {
		t.Errorf("error code = %s, want EINVALID", domain.ErrorCode(err))
	}
	if provider.chatCalls != 0 {
		t.Errorf("provider calls = %d, want 0", provider.chatCalls)
	}
}

func TestStreamMessagePersistsOnEOF(t *testing.T) {
	svc, store, _, _ := newChatFixture(t)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	stream, err := svc.StreamMessage(ctx, user, SendMessageParams{Content: "stream me"})
	if err != nil {
		t.Fatalf("StreamMessage() error = %v", err)
	}
	defer stream.Close()

	var content string
	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		content += chunk.TextDelta
	}

	if content != "Hello! How can I help?" {
		t.Errorf("streamed content = %q", content)
	}
	if stream.Usage().OutputTokens != 8 {
		t.Errorf("usage output tokens = %d, want 8", stream.Usage().OutputTokens)
	}

	messages, _ := store.ListMessages(ctx, stream.Conversation.ID)
	if len(messages) != 2 {
		t.Fatalf("got %d persisted messages, want 2", len(messages))
	}
	if messages[1].Content != "Hello! How can I help?" {
		t.Errorf("persisted assistant content = %q", messages[1].Content)
	}
}

func TestShareConversation(t *testing.T) {
	svc, _, _, _ := newChatFixture(t)
	user := testUser(domain.TierBasic)
	ctx := context.Background()

	result, err := svc.SendMessage(ctx, user, SendMessageParams{Content: "share me"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	token, err := svc.ShareConversation(ctx, user, result.Conversation.ID)
	if err != nil {
		t.Fatalf("ShareConversation() error = %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty share token")
	}

	// Sharing again returns the same token.
	again, err := svc.ShareConversation(ctx, user, result.Conversation.ID)
	if err != nil {
		t.Fatalf("second ShareConversation() error = %v", err)
	}
	if again != token {
		t.Errorf("second share token = %q, want %q", again, token)
	}

	// A shared conversation is readable without authentication.
	conv, messages, err := svc.GetSharedConversation(ctx, token)
	if err != nil {
		t.Fatalf("GetSharedConversation() error = %v", err)
	}
	if conv.ID != result.Conversation.ID {
		t.Errorf("shared conversation ID mismatch")
	}
	if len(messages) != 2 {
		t.Errorf("got %d messages, want 2", len(messages))
	}
}

func TestTranslateProviderError(t *testing.T) {
	svc, _, _, provider := newChatFixture(t)
	user := testUser(domain.TierBasic)

	provider.err = ai.ErrRateLimit
	_, err := svc.SendMessage(context.Background(), user, SendMessageParams{Content: "hi"})
	if domain.ErrorCode(err) != domain.ERATELIMIT {
		t.Errorf("error code = %s, want ERATELIMIT", domain.ErrorCode(err))
	}
}
