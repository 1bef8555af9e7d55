// Package mock provides a canned ai.Provider for development and tests.
package mock

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/thoufic67/aiflo/internal/ai"
)

// Provider is a mock LLM provider.
type Provider struct {
	logger *slog.Logger

	// Configurable responses for testing
	ChatResponse  *ai.ChatResponse
	ChatError     error
	StreamError   error
	ImageResponse *ai.ImageResult
	ImageError    error

	// Call tracking for testing
	mu          sync.Mutex
	ChatCalls   int
	StreamCalls int
	ImageCalls  int
}

// New creates a new mock provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{logger: logger}
}

// ChatCompletion returns a canned completion.
func (p *Provider) ChatCompletion(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	p.mu.Lock()
	p.ChatCalls++
	p.mu.Unlock()

	if p.ChatError != nil {
		return nil, p.ChatError
	}
	if p.ChatResponse != nil {
		return p.ChatResponse, nil
	}
	return &ai.ChatResponse{
		Content: "This is a mock response. Configure LLM_PROVIDER=openai for real completions.",
		Model:   req.Model,
		Usage:   ai.Usage{InputTokens: 12, OutputTokens: 14},
	}, nil
}

// StreamChatCompletion streams a canned completion word by word.
func (p *Provider) StreamChatCompletion(ctx context.Context, req ai.ChatRequest) (ai.Stream, error) {
	p.mu.Lock()
	p.StreamCalls++
	p.mu.Unlock()

	if p.StreamError != nil {
		return nil, p.StreamError
	}

	resp := p.ChatResponse
	if resp == nil {
		resp = &ai.ChatResponse{
			Content: "This is a mock streamed response.",
			Model:   req.Model,
			Usage:   ai.Usage{InputTokens: 12, OutputTokens: 6},
		}
	}
	return &mockStream{words: strings.SplitAfter(resp.Content, " "), usage: resp.Usage}, nil
}

// GenerateImage returns a tiny generated PNG.
func (p *Provider) GenerateImage(ctx context.Context, req ai.ImageRequest) (*ai.ImageResult, error) {
	p.mu.Lock()
	p.ImageCalls++
	p.mu.Unlock()

	if p.ImageError != nil {
		return nil, p.ImageError
	}
	if p.ImageResponse != nil {
		return p.ImageResponse, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &ai.ImageResult{
		Data:          buf.Bytes(),
		ContentType:   "image/png",
		RevisedPrompt: req.Prompt,
	}, nil
}

// mockStream yields one word per chunk, then a usage-only final chunk.
type mockStream struct {
	words []string
	usage ai.Usage
	pos   int
	done  bool
}

func (s *mockStream) Recv() (ai.StreamChunk, error) {
	if s.pos < len(s.words) {
		chunk := ai.StreamChunk{TextDelta: s.words[s.pos]}
		s.pos++
		return chunk, nil
	}
	if !s.done {
		s.done = true
		usage := s.usage
		return ai.StreamChunk{Usage: &usage}, nil
	}
	return ai.StreamChunk{}, io.EOF
}

func (s *mockStream) Close() error {
	return nil
}
