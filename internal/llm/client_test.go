package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantNil  bool
		wantType interface{}
		wantErr  bool
	}{
		{name: "none", cfg: Config{Provider: ProviderNone}, wantNil: true},
		{name: "empty provider", cfg: Config{}, wantNil: true},
		{name: "anthropic", cfg: Config{Provider: ProviderAnthropic, APIKey: "k"}, wantType: &ClaudeClient{}},
		{name: "openai", cfg: Config{Provider: ProviderOpenAI, APIKey: "k"}, wantType: &OpenAIClient{}},
		{name: "anthropic without key", cfg: Config{Provider: ProviderAnthropic}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "bard"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, client)
				return
			}
			assert.IsType(t, tt.wantType, client)
		})
	}
}

func TestClaudeClient_Complete(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, ClaudeVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, SystemPrompt, req.System)
		assert.Equal(t, "pick fields", req.Messages[0].Content)

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"type": "overloaded", "message": "busy"}}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"model": "claude-test",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "{\"target_metrics\": [\"a.b\"]}"}],
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	client, err := NewClaudeClient(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)
	client.WithRetry(fastRetry)

	completion, err := client.Complete(context.Background(), "pick fields")
	require.NoError(t, err)
	assert.Equal(t, `{"target_metrics": ["a.b"]}`, completion.Text)
	assert.Equal(t, 10, completion.InputTokens)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClaudeClient_Truncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model": "claude-test", "stop_reason": "max_tokens", "content": [{"type": "text", "text": "{\"target_me"}]}`))
	}))
	defer server.Close()

	client, err := NewClaudeClient(Config{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "pick fields")
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestClaudeClient_AuthErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"type": "authentication_error", "message": "bad key"}}`))
	}))
	defer server.Close()

	client, err := NewClaudeClient(Config{APIKey: "wrong", BaseURL: server.URL})
	require.NoError(t, err)
	client.WithRetry(fastRetry)

	_, err = client.Complete(context.Background(), "pick fields")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "local-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "c1", "object": "chat.completion", "model": "local-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"confidence\": 0.7}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// returned out of order on purpose
		_, _ = w.Write([]byte(`{
			"object": "list", "model": "embed",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			],
			"usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewOpenAIClient(Config{BaseURL: server.URL + "/v1", Model: "local-model", EmbeddingModel: "embed"})
	require.NoError(t, err)
	client.WithRetry(fastRetry)

	t.Run("complete", func(t *testing.T) {
		completion, err := client.Complete(context.Background(), "pick fields")
		require.NoError(t, err)
		assert.Equal(t, `{"confidence": 0.7}`, completion.Text)
		assert.Equal(t, 12, completion.InputTokens)
		assert.Equal(t, 4, completion.OutputTokens)
	})

	t.Run("embed keeps input order", func(t *testing.T) {
		vectors, err := client.Embed(context.Background(), []string{"deposits", "region"})
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	})

	t.Run("embed nothing", func(t *testing.T) {
		vectors, err := client.Embed(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, vectors)
	})
}

func TestNewOpenAIClient_RequiresKeyForHostedAPI(t *testing.T) {
	_, err := NewOpenAIClient(Config{})
	assert.Error(t, err)
}
