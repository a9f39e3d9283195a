package service

import (
	"context"
	"time"

	"guardbench/internal/model"
)

// JobStore 任务登记表 + 结果集。编号分配、状态迁移都经过这里串行化
type JobStore interface {
	// CreateJob 分配编号 max(id)+1（为空时为 1），状态置为 queued
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id uint) (*model.Job, error)
	// ListJobs 按编号倒序，limit<=0 表示不限
	ListJobs(ctx context.Context, limit int) ([]model.Job, error)
	// ListUnfinished 返回 queued/running 的任务
	ListUnfinished(ctx context.Context) ([]model.Job, error)

	// MarkRunning 只允许 queued -> running，否则返回 ErrJobNotClaimable
	MarkRunning(ctx context.Context, id uint, startedAt time.Time) error
	MarkCompleted(ctx context.Context, id uint, totalElapsedMs int64, completedAt time.Time) error
	MarkFailed(ctx context.Context, id uint, totalElapsedMs int64, errMsg string, completedAt time.Time) error

	// SaveResults 一次性写入某个任务的全部结果
	SaveResults(ctx context.Context, jobID uint, records []model.ResultRecord) error
	// ListResults 按 Seq 升序
	ListResults(ctx context.Context, jobID uint) ([]model.ResultRecord, error)
}
