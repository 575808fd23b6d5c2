package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
)

const (
	ClaudeAPIBaseURL   = "https://api.anthropic.com/v1"
	ClaudeVersion      = "2023-06-01"
	DefaultClaudeModel = "claude-3-haiku-20240307"

	// MaxTokens fits a proposal naming a handful of fields
	MaxTokens   = 1000
	Temperature = 0.0
)

// maxResponseBytes caps how much of a Messages API body is read
const maxResponseBytes = 1 << 20

// ErrTruncated means the model hit max_tokens before finishing its answer
var ErrTruncated = errors.New("completion truncated at max_tokens")

// ClaudeClient calls Anthropic's Messages API
type ClaudeClient struct {
	apiKey    string
	model     string
	endpoint  string
	maxTokens int
	retry     RetryConfig
	http      *http.Client
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []contentBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// text joins the text blocks, skipping tool or other block types
func (r *messagesResponse) text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClaudeClient requires an API key; model, base URL, timeout and token limit default
func NewClaudeClient(cfg Config) (*ClaudeClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	c := &ClaudeClient{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		endpoint:  strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: cfg.MaxTokens,
		retry:     DefaultRetryConfig,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
	if c.model == "" {
		c.model = DefaultClaudeModel
	}
	if c.endpoint == "" {
		c.endpoint = ClaudeAPIBaseURL
	}
	c.endpoint += "/messages"
	if c.maxTokens <= 0 {
		c.maxTokens = MaxTokens
	}
	if c.http.Timeout <= 0 {
		c.http.Timeout = 30 * time.Second
	}
	return c, nil
}

// WithRetry replaces the retry policy
func (c *ClaudeClient) WithRetry(cfg RetryConfig) *ClaudeClient {
	c.retry = cfg
	return c
}

// Complete sends prompt as a single user turn under SystemPrompt
func (c *ClaudeClient) Complete(ctx context.Context, prompt string) (*Completion, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: Temperature,
		System:      SystemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	var resp *messagesResponse
	err = withRetry(ctx, c.retry, func() error {
		var sendErr error
		resp, sendErr = c.post(ctx, body)
		return sendErr
	})
	if err != nil {
		observability.RecordLLMMetrics("claude_complete", time.Since(start), 0, err)
		return nil, fmt.Errorf("claude completion failed: %w", err)
	}
	observability.RecordLLMMetrics("claude_complete", time.Since(start), resp.Usage.InputTokens+resp.Usage.OutputTokens, nil)

	if resp.StopReason == "max_tokens" {
		return nil, ErrTruncated
	}
	text := resp.text()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("claude returned an empty response")
	}

	return &Completion{
		Text:         text,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

func (c *ClaudeClient) post(ctx context.Context, body []byte) (*messagesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", ClaudeVersion)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(httpResp, raw)
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode messages response: %w", err)
	}
	return &out, nil
}

// apiError turns a non-200 Messages API answer into an APIError
func apiError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   "Claude",
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		RetryAfter: parseRetryAfter(resp.Header),
	}

	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		apiErr.Message = "invalid API key: " + apiErr.Message
	}
	return apiErr
}
