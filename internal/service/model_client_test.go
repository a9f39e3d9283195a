package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	resp openai.ChatCompletionResponse
	err  error
	reqs []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func TestModelClientQueryOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "openai/gpt-4o-mini", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
			assert.Equal(t, "Contact: jane@x.com", req.Messages[0].Content)
			assert.Equal(t, "What's the email?", req.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"It's jane@x.com"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewModelClient(srv.URL+"/", "sk-test", ModelClientOptions{Timeout: 5 * time.Second}, nil, nil)
	resp := c.Query(context.Background(), "openai/gpt-4o-mini", "Contact: jane@x.com", "What's the email?")

	assert.False(t, resp.Failed())
	assert.Equal(t, "It's jane@x.com", resp.Text)
	assert.GreaterOrEqual(t, resp.LatencyMs, int64(0))
}

func TestModelClientProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"No auth credentials found","type":"invalid_request_error","code":401}}`))
	}))
	defer srv.Close()

	c := NewModelClient(srv.URL, "", ModelClientOptions{}, nil, nil)
	resp := c.Query(context.Background(), "m", "sys", "user")

	assert.True(t, resp.Failed())
	assert.True(t, strings.HasPrefix(resp.Text, modelErrorPrefix))
	assert.Contains(t, resp.Text, "No auth credentials found")
	assert.Contains(t, resp.Error, "m: ")
}

func TestModelClientStubbed(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		c := newModelClient(&fakeChat{err: errors.New("connection refused")}, ModelClientOptions{}, nil, nil)
		resp := c.Query(context.Background(), "m", "s", "u")
		assert.Equal(t, "API Error: connection refused", resp.Text)
		assert.True(t, resp.Failed())
	})

	t.Run("empty choices", func(t *testing.T) {
		c := newModelClient(&fakeChat{}, ModelClientOptions{}, nil, nil)
		resp := c.Query(context.Background(), "m", "s", "u")
		assert.True(t, resp.Failed())
		assert.True(t, strings.HasPrefix(resp.Text, modelErrorPrefix))
	})

	t.Run("options forwarded", func(t *testing.T) {
		fc := &fakeChat{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "ok"}},
		}}}
		c := newModelClient(fc, ModelClientOptions{Temperature: 0.2, MaxTokens: 200}, nil, nil)
		resp := c.Query(context.Background(), "m", "s", "u")
		assert.Equal(t, "ok", resp.Text)
		require.Len(t, fc.reqs, 1)
		assert.Equal(t, float32(0.2), fc.reqs[0].Temperature)
		assert.Equal(t, 200, fc.reqs[0].MaxTokens)
	})
}

func TestModelClientRateLimitHonorsContext(t *testing.T) {
	fc := &fakeChat{resp: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{}}}}
	c := newModelClient(fc, ModelClientOptions{RateLimit: 0.001, RateBurst: 1}, nil, nil)

	first := c.Query(context.Background(), "m", "s", "u")
	assert.False(t, first.Failed())

	// 令牌已用完，下一次等待会超过 ctx 期限
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	second := c.Query(ctx, "m", "s", "u")
	assert.True(t, second.Failed())
	assert.Len(t, fc.reqs, 1)
}
