// Package openai implements the ai.Provider interface against any
// OpenAI-compatible aggregation endpoint (OpenRouter, a self-hosted proxy, or
// the OpenAI API itself).
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/thoufic67/aiflo/internal/ai"
)

// Config contains configuration for the provider.
type Config struct {
	APIKey         string
	BaseURL        string // Aggregator endpoint, e.g. https://openrouter.ai/api/v1
	ImageModel     string // Model used for image generation
	RequestTimeout time.Duration
}

// Provider implements ai.Provider over an OpenAI-compatible API.
type Provider struct {
	client *goopenai.Client
	config Config
	logger *slog.Logger
}

// New creates a new provider.
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("llm API key is required")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 120 * time.Second
	}
	if config.ImageModel == "" {
		config.ImageModel = "dall-e-3"
	}

	cfg := goopenai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: config.RequestTimeout}

	return &Provider{
		client: goopenai.NewClientWithConfig(cfg),
		config: config,
		logger: logger,
	}, nil
}

// ChatCompletion performs a non-streaming chat completion.
func (p *Provider) ChatCompletion(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, ai.WrapError("chat completion", translateError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, ai.WrapError("chat completion", errors.New("empty choices in response"))
	}

	usage := ai.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return &ai.ChatResponse{
		Content:  resp.Choices[0].Message.Content,
		Model:    resp.Model,
		Usage:    usage,
		Duration: time.Since(start),
	}, nil
}

// StreamChatCompletion starts a streaming completion.
func (p *Provider) StreamChatCompletion(ctx context.Context, req ai.ChatRequest) (ai.Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, ai.WrapError("stream chat completion", translateError(err))
	}
	return &chatStream{inner: stream}, nil
}

// GenerateImage produces one image for a prompt.
func (p *Provider) GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	model := req.Model
	if model == "" {
		model = p.config.ImageModel
	}
	size := req.Size
	if size == "" {
		size = goopenai.CreateImageSize1024x1024
	}

	resp, err := p.client.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           size,
		ResponseFormat: goopenai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, ai.WrapError("generate image", translateError(err))
	}
	if len(resp.Data) == 0 {
		return nil, ai.WrapError("generate image", errors.New("empty image data in response"))
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, ai.WrapError("generate image", fmt.Errorf("decode image: %w", err))
	}

	return &ai.ImageResult{
		Data:          data,
		ContentType:   "image/png",
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil
}

func (p *Provider) buildRequest(req ai.ChatRequest, stream bool) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	out := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if stream {
		// Ask the aggregator to append a usage summary as the final frame.
		out.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	return out
}

// chatStream adapts the go-openai SSE stream to ai.Stream.
type chatStream struct {
	inner *goopenai.ChatCompletionStream
}

func (s *chatStream) Recv() (ai.StreamChunk, error) {
	resp, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		return ai.StreamChunk{}, io.EOF
	}
	if err != nil {
		return ai.StreamChunk{}, ai.WrapError("stream recv", translateError(err))
	}

	chunk := ai.StreamChunk{}
	if len(resp.Choices) > 0 {
		chunk.TextDelta = resp.Choices[0].Delta.Content
	}
	if resp.Usage != nil {
		chunk.Usage = &ai.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return chunk, nil
}

func (s *chatStream) Close() error {
	return s.inner.Close()
}

// translateError maps aggregation API errors to the package sentinels so
// callers can branch on error class without importing go-openai.
func translateError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s", ai.ErrUnauthorized, apiErr.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ai.ErrRateLimit, apiErr.Message)
		case http.StatusBadRequest:
			if apiErr.Code == "content_policy_violation" {
				return fmt.Errorf("%w: %s", ai.ErrContentPolicy, apiErr.Message)
			}
			return err
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", ai.ErrUnavailable, apiErr.Message)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ai.ErrTimeout
	}
	return err
}
