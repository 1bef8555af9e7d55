package ai

import "testing"

func TestIsLargeModel(t *testing.T) {
	tests := []struct {
		model string
		large bool
	}{
		{"openai/gpt-4o", true},
		{"openai/gpt-4o-2024-08-06", true},
		{"openai/gpt-4o-mini", false},
		{"openai/gpt-4o-mini-2024-07-18", false},
		{"openai/gpt-4", true},
		{"openai/gpt-4-turbo", true},
		{"openai/gpt-3.5-turbo", false},
		{"openai/o1", true},
		{"openai/o1-preview", true},
		{"anthropic/claude-3-opus", true},
		{"anthropic/claude-3-haiku", false},
		{"anthropic/claude-3.5-sonnet-20241022", true},
		{"google/gemini-1.5-pro", true},
		{"google/gemini-1.5-flash", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := IsLargeModel(tt.model); got != tt.large {
				t.Errorf("IsLargeModel(%q) = %v, want %v", tt.model, got, tt.large)
			}
		})
	}
}
