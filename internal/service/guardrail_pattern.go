package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"guardbench/internal/model"
	"guardbench/internal/service/policy"

	"gopkg.in/yaml.v3"
)

const GuardrailPattern = "pii_pattern"

type patternPolicyFile struct {
	Entities []patternEntity `yaml:"entities"`
}

type patternEntity struct {
	Name     string           `yaml:"name"`
	Priority int              `yaml:"priority"`
	Patterns []string         `yaml:"patterns"`
	compiled []*regexp.Regexp `yaml:"-"`
}

// PatternGuardrail 本地正则脱敏护栏，命中的片段替换为 [实体名]
type PatternGuardrail struct {
	entities []patternEntity
}

// NewPatternGuardrail 使用内置策略
func NewPatternGuardrail() (*PatternGuardrail, error) {
	return NewPatternGuardrailFromYAML(policy.PIIPatterns)
}

func NewPatternGuardrailFromYAML(data []byte) (*PatternGuardrail, error) {
	var file patternPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析 PII 策略失败: %w", err)
	}
	for i := range file.Entities {
		e := &file.Entities[i]
		for _, p := range e.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("编译正则失败 %s(%s): %w", e.Name, p, err)
			}
			e.compiled = append(e.compiled, re)
		}
	}
	// 高优先级先替换，避免短模式吃掉长模式的一部分
	sort.SliceStable(file.Entities, func(i, j int) bool {
		return file.Entities[i].Priority > file.Entities[j].Priority
	})
	return &PatternGuardrail{entities: file.Entities}, nil
}

func (g *PatternGuardrail) Name() string { return GuardrailPattern }

func (g *PatternGuardrail) Check(_ context.Context, text string) model.GuardrailOutcome {
	start := time.Now()
	redacted := text
	flagged := false
	for _, e := range g.entities {
		placeholder := "[" + e.Name + "]"
		for _, re := range e.compiled {
			if !re.MatchString(redacted) {
				continue
			}
			flagged = true
			redacted = re.ReplaceAllLiteralString(redacted, placeholder)
		}
	}
	return model.GuardrailOutcome{
		Text:      redacted,
		Flagged:   flagged,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}
