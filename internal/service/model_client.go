package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 模型调用失败时写入 RawResponse 的前缀
const modelErrorPrefix = "API Error: "

type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelResponse 一次模型调用的结果；失败时 Text 为 "API Error: ..." 占位文本
type ModelResponse struct {
	Text      string
	LatencyMs int64
	Error     string
}

func (r ModelResponse) Failed() bool { return r.Error != "" }

// ModelQuerier 评测时使用的模型接口
type ModelQuerier interface {
	Query(ctx context.Context, model, systemPrompt, userPrompt string) ModelResponse
}

type ModelClientOptions struct {
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	// 每秒请求数，0 不限速
	RateLimit float64
	RateBurst int
}

// ModelClient 通过 OpenAI 兼容接口（默认 OpenRouter）调用 chat completion
type ModelClient struct {
	client  chatClient
	opts    ModelClientOptions
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger
}

func NewModelClient(baseURL, apiKey string, opts ModelClientOptions, metrics *Metrics, logger *zap.Logger) *ModelClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	// 超时由每次调用的 ctx 控制
	cfg.HTTPClient = &http.Client{}
	return newModelClient(openai.NewClientWithConfig(cfg), opts, metrics, logger)
}

func newModelClient(client chatClient, opts ModelClientOptions, metrics *Metrics, logger *zap.Logger) *ModelClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &ModelClient{
		client:  client,
		opts:    opts,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Query 不返回错误，失败原因写进 ModelResponse；耗时只统计请求本身
func (c *ModelClient) Query(ctx context.Context, model, systemPrompt, userPrompt string) ModelResponse {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.fail(model, 0, fmt.Errorf("等待限流失败: %w", err))
		}
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return c.fail(model, latency, err)
	}
	if len(resp.Choices) == 0 {
		return c.fail(model, latency, errors.New("响应中没有 choices"))
	}

	c.metrics.ObserveModel(model, latency, false)
	return ModelResponse{
		Text:      resp.Choices[0].Message.Content,
		LatencyMs: latency,
	}
}

func (c *ModelClient) fail(model string, latencyMs int64, err error) ModelResponse {
	perr := &ProviderError{Provider: model, Err: err}
	c.metrics.ObserveModel(model, latencyMs, true)
	c.logger.Warn("模型调用失败", zap.String("model", model), zap.Error(perr))
	return ModelResponse{
		Text:      modelErrorPrefix + err.Error(),
		LatencyMs: latencyMs,
		Error:     perr.Error(),
	}
}
