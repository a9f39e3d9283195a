package model

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Finished 已结束的任务不会再被调度
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job 一次批量评测任务（模型 × 数据集 × 护栏 × 提示词变体）
type Job struct {
	// 编号由 JobStore 按 max(id)+1 分配，不依赖自增
	ID        uint      `gorm:"primarykey;autoIncrement:false" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Model      string `gorm:"type:varchar(200);not null;index" json:"model"`
	DatasetRef string `gorm:"type:varchar(255);not null" json:"dataset"`

	// 按提交顺序保存，汇总时按这个顺序输出各护栏
	EnabledGuardrails []string `gorm:"type:text;serializer:json" json:"guardrails"`
	Variants          []string `gorm:"type:text;serializer:json" json:"variants"`
	PromptAddition    string   `gorm:"type:text" json:"prompt_addition"`

	Status       JobStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	RowCount     int       `json:"row_count"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`

	// 所有模型调用耗时之和（毫秒）
	TotalElapsedMs int64      `json:"total_elapsed_ms"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
