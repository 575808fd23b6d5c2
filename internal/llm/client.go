package llm

import (
	"context"
	"fmt"
	"time"
)

// Client interface for completion backends used by the reranker
type Client interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// Embedder produces embeddings for a batch of texts; vectors[i] belongs to texts[i]
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Completion represents the response from the model
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Config holds configuration for LLM clients
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	EmbeddingModel string
	BaseURL        string
	Timeout        time.Duration
	MaxTokens      int
}

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderNone      = "none"
)

// NewClient builds the completion client for cfg.Provider. It returns nil for "none".
func NewClient(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewClaudeClient(cfg)
	case ProviderOpenAI:
		return NewOpenAIClient(cfg)
	case ProviderNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
}
