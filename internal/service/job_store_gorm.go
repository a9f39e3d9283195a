package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"

	"guardbench/internal/model"
)

// 结果分批写入，避免单条 INSERT 过大
const resultBatchSize = 100

// GormJobStore jobs / result_records 两张表
type GormJobStore struct {
	db *gorm.DB
	// 编号分配在进程内串行，事务保证 max+1 与插入之间不被打断
	mu sync.Mutex
}

var _ JobStore = (*GormJobStore)(nil)

func NewGormJobStore(conn *gorm.DB) *GormJobStore {
	return &GormJobStore{db: conn}
}

func (s *GormJobStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxID uint
		if err := tx.Model(&model.Job{}).
			Select("COALESCE(MAX(id), 0)").
			Scan(&maxID).Error; err != nil {
			return err
		}
		job.ID = maxID + 1
		job.Status = model.JobStatusQueued
		return tx.Create(job).Error
	})
	if err != nil {
		return &RegistryError{Op: "创建任务", Err: err}
	}
	return nil
}

func (s *GormJobStore) GetJob(ctx context.Context, id uint) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, &RegistryError{Op: "查询任务", Err: err}
	}
	return &job, nil
}

func (s *GormJobStore) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	var jobs []model.Job
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, &RegistryError{Op: "查询任务列表", Err: err}
	}
	return jobs, nil
}

func (s *GormJobStore) ListUnfinished(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := s.db.WithContext(ctx).
		Where("status IN ?", []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning}).
		Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, &RegistryError{Op: "查询未完成任务", Err: err}
	}
	return jobs, nil
}

func (s *GormJobStore) MarkRunning(ctx context.Context, id uint, startedAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ? AND status = ?", id, model.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     model.JobStatusRunning,
			"started_at": startedAt,
		})
	if res.Error != nil {
		return &RegistryError{Op: "认领任务", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrJobNotClaimable
	}
	return nil
}

func (s *GormJobStore) MarkCompleted(ctx context.Context, id uint, totalElapsedMs int64, completedAt time.Time) error {
	return s.finish(ctx, id, model.JobStatusCompleted, totalElapsedMs, "", completedAt)
}

func (s *GormJobStore) MarkFailed(ctx context.Context, id uint, totalElapsedMs int64, errMsg string, completedAt time.Time) error {
	return s.finish(ctx, id, model.JobStatusFailed, totalElapsedMs, errMsg, completedAt)
}

func (s *GormJobStore) finish(ctx context.Context, id uint, status model.JobStatus, totalElapsedMs int64, errMsg string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           status,
			"total_elapsed_ms": totalElapsedMs,
			"error_message":    errMsg,
			"completed_at":     at,
		})
	if res.Error != nil {
		return &RegistryError{Op: "更新任务状态", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *GormJobStore) SaveResults(ctx context.Context, jobID uint, records []model.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		records[i].ID = 0
		records[i].JobID = jobID
	}
	if err := s.db.WithContext(ctx).CreateInBatches(records, resultBatchSize).Error; err != nil {
		return &RegistryError{Op: "保存结果", Err: err}
	}
	return nil
}

func (s *GormJobStore) ListResults(ctx context.Context, jobID uint) ([]model.ResultRecord, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	var records []model.ResultRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, &RegistryError{Op: "查询结果", Err: err}
	}
	return records, nil
}
