package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"guardbench/internal/model"
)

// Guardrail 统一的护栏接口。实现不能返回错误，失败写进 GuardrailOutcome.Error
type Guardrail interface {
	Name() string
	Check(ctx context.Context, text string) model.GuardrailOutcome
}

// GuardrailRegistry 按名称查找已启用的护栏
type GuardrailRegistry struct {
	guardrails map[string]Guardrail
	timeout    time.Duration
	metrics    *Metrics
}

func NewGuardrailRegistry(timeout time.Duration, metrics *Metrics, guardrails ...Guardrail) *GuardrailRegistry {
	r := &GuardrailRegistry{
		guardrails: map[string]Guardrail{},
		timeout:    timeout,
		metrics:    metrics,
	}
	for _, g := range guardrails {
		if g == nil {
			continue
		}
		r.guardrails[g.Name()] = g
	}
	return r
}

func (r *GuardrailRegistry) Names() []string {
	names := make([]string, 0, len(r.guardrails))
	for name := range r.guardrails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve 校验名称并按请求顺序返回护栏
func (r *GuardrailRegistry) Resolve(names []string) ([]Guardrail, error) {
	out := make([]Guardrail, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		key := strings.TrimSpace(n)
		g, ok := r.guardrails[key]
		if !ok {
			return nil, fmt.Errorf("未知或未启用的护栏: %q", n)
		}
		if seen[key] {
			return nil, fmt.Errorf("护栏重复: %q", n)
		}
		seen[key] = true
		out = append(out, g)
	}
	return out, nil
}

// Check 带单次超时调用护栏，并把 panic 转成错误结果
func (r *GuardrailRegistry) Check(ctx context.Context, g Guardrail, text string) (out model.GuardrailOutcome) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			out = failedOutcome(text, 0, fmt.Errorf("护栏异常: %v", p))
		}
		r.metrics.ObserveGuardrail(g.Name(), out)
	}()
	return g.Check(ctx, text)
}

type rowTermsKey struct{}

// WithRowTerms 把当前数据行的敏感词放进 ctx，关键词护栏会一并检查
func WithRowTerms(ctx context.Context, terms []string) context.Context {
	return context.WithValue(ctx, rowTermsKey{}, terms)
}

func rowTerms(ctx context.Context) []string {
	terms, _ := ctx.Value(rowTermsKey{}).([]string)
	return terms
}

func failedOutcome(text string, elapsed time.Duration, err error) model.GuardrailOutcome {
	return model.GuardrailOutcome{
		Text:      text,
		Flagged:   false,
		ElapsedMs: elapsed.Milliseconds(),
		Error:     err.Error(),
	}
}
