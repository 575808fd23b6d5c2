package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

// OpenAIClient talks to any OpenAI-compatible API for completions and embeddings
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	retry          RetryConfig
}

// NewOpenAIClient creates a client. The API key may be empty for local services.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("API key is required")
		}
		apiKey = "unused"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	config := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	config.HTTPClient = &http.Client{
		Timeout: timeout,
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(config),
		model:          model,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
		retry:          DefaultRetryConfig,
	}, nil
}

// WithRetry replaces the retry policy
func (c *OpenAIClient) WithRetry(cfg RetryConfig) *OpenAIClient {
	c.retry = cfg
	return c
}

// Complete runs a chat completion with the rerank system prompt
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	start := time.Now()
	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, c.retry, func() error {
		var err error
		resp, err = c.client.CreateChatCompletion(ctx, req)
		return classifyOpenAIError(err)
	})
	if err != nil {
		observability.RecordLLMMetrics("openai_complete", time.Since(start), 0, err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	observability.RecordLLMMetrics("openai_complete", time.Since(start), resp.Usage.TotalTokens, nil)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("chat completion returned no content")
	}

	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed creates embeddings for texts in one request
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	}

	start := time.Now()
	var resp openai.EmbeddingResponse
	err := withRetry(ctx, c.retry, func() error {
		var err error
		resp, err = c.client.CreateEmbeddings(ctx, req)
		return classifyOpenAIError(err)
	})
	observability.RecordLLMMetrics("openai_embed", time.Since(start), resp.Usage.TotalTokens, err)
	if err != nil {
		return nil, fmt.Errorf("embedding API call failed: %w", err)
	}
	observability.RecordEmbeddedTexts(c.embeddingModel, len(texts))

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(out) {
			return nil, fmt.Errorf("API returned embedding index %d out of range", data.Index)
		}
		out[data.Index] = data.Embedding
	}
	return out, nil
}

// classifyOpenAIError turns go-openai status errors into APIErrors so retries see the status
func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		return &APIError{Provider: "OpenAI", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if stderrors.As(err, &reqErr) {
		return &APIError{Provider: "OpenAI", StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return err
}
