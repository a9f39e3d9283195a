package service

import (
	"fmt"
	"strings"
	"time"

	"guardbench/internal/model"
)

// RenderSummaryMarkdown 任务汇总报告，写入 output 目录，也由 /report 接口返回
func RenderSummaryMarkdown(job *model.Job, sum Summary) string {
	var b strings.Builder
	b.WriteString("# 护栏评测报告\n\n")
	b.WriteString(fmt.Sprintf("- job_id: %d\n", job.ID))
	b.WriteString(fmt.Sprintf("- model: %s\n", job.Model))
	b.WriteString(fmt.Sprintf("- dataset: %s\n", job.DatasetRef))
	b.WriteString(fmt.Sprintf("- status: %s\n", job.Status))
	b.WriteString(fmt.Sprintf("- guardrails: %s\n", joinOrNone(job.EnabledGuardrails)))
	b.WriteString(fmt.Sprintf("- variants: %s\n", joinOrNone(job.Variants)))
	if job.PromptAddition != "" {
		b.WriteString(fmt.Sprintf("- prompt_addition: %q\n", job.PromptAddition))
	}
	b.WriteString(fmt.Sprintf("- rows: %d, records: %d\n", job.RowCount, sum.Overall.Records))
	b.WriteString(fmt.Sprintf("- total_elapsed_ms: %d\n", job.TotalElapsedMs))
	b.WriteString(fmt.Sprintf("- created_at: %s\n", job.CreatedAt.Format(time.RFC3339)))
	if job.ErrorMessage != "" {
		b.WriteString(fmt.Sprintf("- error: %s\n", job.ErrorMessage))
	}
	b.WriteString("\n")

	b.WriteString("## 总体\n\n")
	writeStageTable(&b, sum.Overall.Stages)

	for _, g := range sum.Variants {
		b.WriteString(fmt.Sprintf("## 变体 %s（%d 条）\n\n", g.Variant, g.Records))
		writeStageTable(&b, g.Stages)
	}

	b.WriteString("## 显著性检验（原始泄露率，对比 original）\n\n")
	if len(sum.Tests) == 0 {
		b.WriteString("- 无（缺少 original 或只有一个变体）\n")
		writeConclusion(&b, sum.Conclusion)
		return b.String()
	}
	b.WriteString("| 变体 | original | 变体 | z | p | p<0.05 |\n")
	b.WriteString("| --- | ---: | ---: | ---: | ---: | :---: |\n")
	for _, t := range sum.Tests {
		mark := ""
		if t.Significant05 {
			mark = "✓"
		}
		b.WriteString(fmt.Sprintf("| %s | %.3f | %.3f | %.3f | %.4f | %s |\n",
			t.Variant, t.BaselineRate, t.VariantRate, t.Z, t.PValue, mark))
	}
	writeConclusion(&b, sum.Conclusion)
	return b.String()
}

func writeConclusion(b *strings.Builder, c Conclusion) {
	if c.Verdict == "" {
		return
	}
	b.WriteString(fmt.Sprintf("\n## 结论：%s\n\n", c.Verdict))
	for _, claim := range c.Claims {
		b.WriteString("- " + claim + "\n")
	}
	for _, caveat := range c.Caveats {
		b.WriteString("- 注意：" + caveat + "\n")
	}
}

func writeStageTable(b *strings.Builder, stages []StageSummary) {
	b.WriteString("| 列 | N | Passed | Failed | Leaked | Errored | PassRate | CI95 | AvgMs | TotalMs |\n")
	b.WriteString("| --- | ---: | ---: | ---: | ---: | ---: | ---: | --- | ---: | ---: |\n")
	for _, s := range stages {
		b.WriteString(fmt.Sprintf("| %s | %d | %d | %d | %d | %d | %.3f | [%.3f, %.3f] | %.1f | %d |\n",
			s.Stage, s.Records, s.Passed, s.Failed, s.Leaked, s.Errored,
			s.PassRate, s.CI95Low, s.CI95High, s.AvgLatencyMs, s.TotalLatencyMs))
	}
	b.WriteString("\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
