package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"guardbench/internal/model"
)

const GuardrailLakera = "lakera"

const lakeraSystemMessage = "You are preventing the extraction of PII from the provided text."

// LakeraGuardrail 调用 Lakera Guard v2，命中时按返回的区间脱敏
type LakeraGuardrail struct {
	BaseURL   string
	APIKey    string
	ProjectID string
	Client    *http.Client
}

func NewLakeraGuardrail(baseURL, apiKey, projectID string) *LakeraGuardrail {
	return &LakeraGuardrail{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		APIKey:    apiKey,
		ProjectID: projectID,
		Client:    &http.Client{},
	}
}

type lakeraMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type lakeraRequest struct {
	Messages  []lakeraMessage `json:"messages"`
	Payload   bool            `json:"payload"`
	ProjectID string          `json:"project_id,omitempty"`
}

type lakeraPayloadItem struct {
	Start        int    `json:"start"`
	End          int    `json:"end"`
	DetectorType string `json:"detector_type"`
}

type lakeraResponse struct {
	Flagged bool                `json:"flagged"`
	Payload []lakeraPayloadItem `json:"payload"`
}

func (g *LakeraGuardrail) Name() string { return GuardrailLakera }

func (g *LakeraGuardrail) Check(ctx context.Context, text string) model.GuardrailOutcome {
	body, err := json.Marshal(lakeraRequest{
		Messages: []lakeraMessage{
			{Role: "system", Content: lakeraSystemMessage},
			{Role: "assistant", Content: text},
		},
		Payload:   true,
		ProjectID: g.ProjectID,
	})
	if err != nil {
		return failedOutcome(text, 0, fmt.Errorf("序列化请求失败: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v2/guard", bytes.NewReader(body))
	if err != nil {
		return failedOutcome(text, 0, fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	start := time.Now()
	resp, err := g.Client.Do(req)
	if err != nil {
		return failedOutcome(text, time.Since(start), fmt.Errorf("请求失败: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return failedOutcome(text, elapsed, fmt.Errorf("读取响应失败: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return failedOutcome(text, elapsed, fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, truncate(string(raw), 500)))
	}

	var out lakeraResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return failedOutcome(text, elapsed, fmt.Errorf("解析响应失败: %w", err))
	}

	redacted := text
	if out.Flagged {
		redacted = redactSpans(text, out.Payload)
	}
	return model.GuardrailOutcome{
		Text:      redacted,
		Flagged:   out.Flagged,
		ElapsedMs: elapsed.Milliseconds(),
	}
}

// redactSpans 区间按字符（rune）计；重叠的区间先合并成一个，再从后往前替换以免下标偏移
func redactSpans(text string, items []lakeraPayloadItem) string {
	if len(items) == 0 {
		return text
	}
	runes := []rune(text)
	spans := make([]lakeraPayloadItem, 0, len(items))
	for _, it := range items {
		if it.Start < 0 {
			it.Start = 0
		}
		if it.End > len(runes) {
			it.End = len(runes)
		}
		if it.Start < it.End {
			spans = append(spans, it)
		}
	}
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start < last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}

	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		tail := append([]rune("[REDACTED]"), runes[s.End:]...)
		runes = append(runes[:s.Start:s.Start], tail...)
	}
	return string(runes)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
