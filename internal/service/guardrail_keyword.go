package service

import (
	"context"
	"time"

	"guardbench/internal/model"
)

const GuardrailKeyword = "keyword"

// KeywordGuardrail 关键词护栏：配置的关键词加上当前行的敏感词，只给出 flagged，不改写文本
type KeywordGuardrail struct {
	keywords []string
}

func NewKeywordGuardrail(keywords []string) *KeywordGuardrail {
	terms := make([]string, 0, len(keywords))
	for _, k := range keywords {
		terms = append(terms, ParseSensitiveTerms(k)...)
	}
	return &KeywordGuardrail{keywords: terms}
}

func (g *KeywordGuardrail) Name() string { return GuardrailKeyword }

func (g *KeywordGuardrail) Check(ctx context.Context, text string) model.GuardrailOutcome {
	start := time.Now()
	hits := LeakedTerms(g.keywords, text)
	if len(hits) == 0 {
		hits = LeakedTerms(rowTerms(ctx), text)
	}
	return model.GuardrailOutcome{
		Text:      text,
		Flagged:   len(hits) > 0,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}
