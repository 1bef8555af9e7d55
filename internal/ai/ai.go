// Package ai defines the interface to the LLM aggregation service.
//
// Aiflo never talks to individual model vendors directly; a single
// OpenAI-compatible aggregation API fronts all of them, addressed by a
// provider-qualified model identifier.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider is the interface to the LLM aggregation service.
type Provider interface {
	// ChatCompletion performs a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// StreamChatCompletion starts a streaming completion. The returned
	// Stream yields incremental text deltas; the final chunk carries the
	// usage summary. The caller must Close the stream.
	StreamChatCompletion(ctx context.Context, req ChatRequest) (Stream, error)

	// GenerateImage produces one image for a prompt.
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// Message is one role-tagged turn in a chat request.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ChatRequest contains parameters for a chat completion.
type ChatRequest struct {
	Model     string    // Provider-qualified model identifier
	Messages  []Message // Full conversation history, oldest first
	MaxTokens int       // 0 means provider default
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatResponse is a completed (non-streaming) chat turn.
type ChatResponse struct {
	Content  string
	Model    string
	Usage    Usage
	Duration time.Duration
}

// StreamChunk is one increment of a streaming completion. TextDelta is empty
// on the final chunk, which instead carries the usage summary.
type StreamChunk struct {
	TextDelta string
	Usage     *Usage
}

// Stream yields chat completion increments. Recv returns io.EOF when the
// stream is exhausted.
type Stream interface {
	Recv() (StreamChunk, error)
	Close() error
}

// ImageRequest contains parameters for image generation.
type ImageRequest struct {
	Prompt string
	Model  string
	Size   string // e.g. "1024x1024"; empty means provider default
}

// ImageResult is one generated image.
type ImageResult struct {
	Data          []byte
	ContentType   string
	RevisedPrompt string
}

// largeModelFamilies marks model families billed against the large-message
// quota. A model matches a family exactly or as "<family>-<variant>", so
// "openai/gpt-4o" does not swallow "openai/gpt-4o-mini" by accident — that
// one is carved out below. Everything else counts as a small message.
var largeModelFamilies = []string{
	"openai/gpt-4",
	"openai/gpt-4o",
	"openai/o1",
	"anthropic/claude-3-opus",
	"anthropic/claude-3.5-sonnet",
	"google/gemini-1.5-pro",
}

// smallModelOverrides lists models inside a large family's namespace that are
// nonetheless billed as small messages.
var smallModelOverrides = []string{
	"openai/gpt-4o-mini",
}

// IsLargeModel reports whether the model identifier belongs to a large
// (premium-billed) model family.
func IsLargeModel(model string) bool {
	for _, small := range smallModelOverrides {
		if matchesFamily(model, small) {
			return false
		}
	}
	for _, family := range largeModelFamilies {
		if matchesFamily(model, family) {
			return true
		}
	}
	return false
}

func matchesFamily(model, family string) bool {
	return model == family || strings.HasPrefix(model, family+"-")
}

// Error sentinels for provider operations
var (
	// ErrRateLimit indicates the aggregation API rate limit has been exceeded
	ErrRateLimit = errors.New("llm provider rate limit exceeded")

	// ErrContentPolicy indicates the prompt violates content policy
	ErrContentPolicy = errors.New("prompt violates content policy")

	// ErrTimeout indicates the request timed out
	ErrTimeout = errors.New("llm request timed out")

	// ErrUnavailable indicates the service is temporarily unavailable
	ErrUnavailable = errors.New("llm service temporarily unavailable")

	// ErrUnauthorized indicates invalid API credentials
	ErrUnauthorized = errors.New("llm provider authentication failed")
)

// IsRetryable returns true if the error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// WrapError wraps an error with context about the provider operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("llm %s: %w", operation, err)
}
