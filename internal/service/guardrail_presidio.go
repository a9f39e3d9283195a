package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"guardbench/internal/model"
)

const GuardrailPresidio = "presidio"

// PresidioGuardrail 调用 Presidio analyzer + anonymizer 两个 REST 服务
type PresidioGuardrail struct {
	AnalyzerURL   string
	AnonymizerURL string
	Language      string
	Client        *http.Client
}

func NewPresidioGuardrail(analyzerURL, anonymizerURL, language string) *PresidioGuardrail {
	if language == "" {
		language = "en"
	}
	// 两个服务部署在同一地址时可以只配 analyzer
	if anonymizerURL == "" {
		anonymizerURL = analyzerURL
	}
	return &PresidioGuardrail{
		AnalyzerURL:   strings.TrimRight(analyzerURL, "/"),
		AnonymizerURL: strings.TrimRight(anonymizerURL, "/"),
		Language:      language,
		Client:        &http.Client{},
	}
}

type presidioAnalyzeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type presidioEntity struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

type presidioAnonymizeRequest struct {
	Text            string           `json:"text"`
	AnalyzerResults []presidioEntity `json:"analyzer_results"`
}

type presidioAnonymizeResponse struct {
	Text string `json:"text"`
}

func (g *PresidioGuardrail) Name() string { return GuardrailPresidio }

func (g *PresidioGuardrail) Check(ctx context.Context, text string) model.GuardrailOutcome {
	start := time.Now()

	var entities []presidioEntity
	if err := g.post(ctx, g.AnalyzerURL+"/analyze", presidioAnalyzeRequest{Text: text, Language: g.Language}, &entities); err != nil {
		return failedOutcome(text, time.Since(start), fmt.Errorf("analyze: %w", err))
	}
	if len(entities) == 0 {
		return model.GuardrailOutcome{Text: text, ElapsedMs: time.Since(start).Milliseconds()}
	}

	var anonymized presidioAnonymizeResponse
	if err := g.post(ctx, g.AnonymizerURL+"/anonymize", presidioAnonymizeRequest{Text: text, AnalyzerResults: entities}, &anonymized); err != nil {
		return failedOutcome(text, time.Since(start), fmt.Errorf("anonymize: %w", err))
	}
	return model.GuardrailOutcome{
		Text:      anonymized.Text,
		Flagged:   true,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}

func (g *PresidioGuardrail) post(ctx context.Context, url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API返回错误: %d, %s", resp.StatusCode, truncate(string(raw), 500))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
