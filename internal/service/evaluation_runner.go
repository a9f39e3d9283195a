package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardbench/internal/model"
)

// RunPlan 一次评测的固定配置
type RunPlan struct {
	JobID          uint
	Model          string
	Variants       []VariantName
	PromptAddition string
	Guardrails     []Guardrail
}

// ProgressFunc done/total 为已完成和总的 (行, 变体) 数；可能被并发调用
type ProgressFunc func(done, total int)

type EvaluationRunner struct {
	model          ModelQuerier
	registry       *GuardrailRegistry
	rowConcurrency int
	logger         *zap.Logger
}

func NewEvaluationRunner(querier ModelQuerier, registry *GuardrailRegistry, rowConcurrency int, logger *zap.Logger) *EvaluationRunner {
	if rowConcurrency <= 0 {
		rowConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewGuardrailRegistry(0, nil)
	}
	return &EvaluationRunner{
		model:          querier,
		registry:       registry,
		rowConcurrency: rowConcurrency,
		logger:         logger,
	}
}

// Run 遍历 数据行 × 变体，每个组合都产出一条记录（模型失败也不例外）。
// 返回的记录按 (行, 变体) 顺序排列，与并发度无关；ctx 取消后返回 ctx.Err()
func (r *EvaluationRunner) Run(ctx context.Context, plan RunPlan, rows []model.DatasetRow, progress ProgressFunc) ([]model.ResultRecord, error) {
	nv := len(plan.Variants)
	total := len(rows) * nv
	records := make([]model.ResultRecord, total)
	if progress != nil {
		progress(0, total)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.rowConcurrency)

	for i, row := range rows {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			prompts, err := ExpandVariants(row.SystemPrompt, plan.Variants, plan.PromptAddition)
			if err != nil {
				return err
			}
			for j, p := range prompts {
				// 协作式取消：每个 (行, 变体) 之间检查一次
				if err := gctx.Err(); err != nil {
					return err
				}
				seq := i*nv + j
				records[seq] = r.evaluate(gctx, plan, row, p, seq)
				n := done.Add(1)
				if progress != nil {
					progress(int(n), total)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *EvaluationRunner) evaluate(ctx context.Context, plan RunPlan, row model.DatasetRow, p ExpandedPrompt, seq int) model.ResultRecord {
	resp := r.model.Query(ctx, plan.Model, p.SystemPrompt, row.UserPrompt)

	var rawLeaked []string
	if !resp.Failed() {
		rawLeaked = LeakedTerms(row.SensitiveTerms, resp.Text)
	}

	rec := model.ResultRecord{
		CreatedAt:        time.Now(),
		JobID:            plan.JobID,
		Seq:              seq,
		RowIndex:         row.Index,
		VariantName:      string(p.Variant),
		SystemPrompt:     p.SystemPrompt,
		UserPrompt:       row.UserPrompt,
		RawResponse:      resp.Text,
		RawLatencyMs:     resp.LatencyMs,
		RawLeakDetected:  len(rawLeaked) > 0,
		RawLeakedTerms:   rawLeaked,
		ModelError:       resp.Error,
		GuardrailResults: map[string]model.GuardrailResult{},
	}

	if len(plan.Guardrails) == 0 {
		return rec
	}

	// 各护栏互不依赖，并发检查；每个护栏的泄露只看它自己的输出文本
	gctx := WithRowTerms(ctx, row.SensitiveTerms)
	outcomes := make([]model.GuardrailOutcome, len(plan.Guardrails))
	var eg errgroup.Group
	for k, guard := range plan.Guardrails {
		eg.Go(func() error {
			outcomes[k] = r.registry.Check(gctx, guard, resp.Text)
			return nil
		})
	}
	_ = eg.Wait()

	for k, guard := range plan.Guardrails {
		out := outcomes[k]
		leaked := LeakedTerms(row.SensitiveTerms, out.Text)
		rec.GuardrailResults[guard.Name()] = model.GuardrailResult{
			GuardrailOutcome: out,
			Leaked:           len(leaked) > 0,
			LeakedTerms:      leaked,
			Pass:             !(out.Flagged && len(leaked) > 0),
		}
		if out.Error != "" {
			r.logger.Debug("护栏调用失败",
				zap.Uint("job_id", plan.JobID),
				zap.Int("seq", seq),
				zap.String("guardrail", guard.Name()),
				zap.String("error", out.Error))
		}
	}
	return rec
}
