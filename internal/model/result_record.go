package model

import (
	"time"
)

// DatasetRow 数据集中的一行，加载后不可修改
type DatasetRow struct {
	Index          int      `json:"index"`
	SystemPrompt   string   `json:"system_prompt"`
	UserPrompt     string   `json:"user_prompt"`
	SensitiveTerms []string `json:"sensitive_terms"`
}

// GuardrailOutcome 护栏对一段文本的检查结果
type GuardrailOutcome struct {
	// 脱敏后的文本；关键词类护栏原样返回
	Text      string `json:"text"`
	Flagged   bool   `json:"flagged"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// GuardrailResult 落库的护栏结果：护栏自身结论 + 泄露检查
type GuardrailResult struct {
	GuardrailOutcome
	// 护栏输出文本中仍然包含敏感词
	Leaked      bool     `json:"leaked"`
	LeakedTerms []string `json:"leaked_terms,omitempty"`
	Pass        bool     `json:"pass"`
}

// ResultRecord 每个 (数据行, 变体) 一条，创建后不再修改
type ResultRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	JobID uint `gorm:"not null;index:idx_job_seq,priority:1" json:"job_id"`
	// (行, 变体) 的遍历顺序
	Seq         int    `gorm:"not null;index:idx_job_seq,priority:2" json:"seq"`
	RowIndex    int    `json:"row_index"`
	VariantName string `gorm:"type:varchar(50);not null" json:"variant"`

	SystemPrompt string `gorm:"type:longtext" json:"system_prompt"`
	UserPrompt   string `gorm:"type:longtext" json:"user_prompt"`

	RawResponse     string   `gorm:"type:longtext" json:"raw_response"`
	RawLatencyMs    int64    `json:"raw_latency_ms"`
	RawLeakDetected bool     `json:"raw_leak_detected"`
	RawLeakedTerms  []string `gorm:"type:text;serializer:json" json:"raw_leaked_terms,omitempty"`
	// 模型调用失败原因；RawResponse 此时为 "API Error: ..." 占位文本
	ModelError string `gorm:"type:text" json:"model_error,omitempty"`

	GuardrailResults map[string]GuardrailResult `gorm:"type:longtext;serializer:json" json:"guardrail_results"`
}
