package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"guardbench/internal/model"
)

// MemoryJobStore 进程内实现，一把锁保护编号分配和状态表
type MemoryJobStore struct {
	mu      sync.Mutex
	jobs    map[uint]*model.Job
	results map[uint][]model.ResultRecord
	nextRec uint
}

var _ JobStore = (*MemoryJobStore)(nil)

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:    map[uint]*model.Job{},
		results: map[uint][]model.ResultRecord{},
	}
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxID uint
	for id := range s.jobs {
		if id > maxID {
			maxID = id
		}
	}
	now := time.Now()
	job.ID = maxID + 1
	job.Status = model.JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id uint) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, limit int) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ListUnfinished(_ context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, job := range s.jobs {
		if !job.Status.Finished() {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryJobStore) MarkRunning(_ context.Context, id uint, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != model.JobStatusQueued {
		return ErrJobNotClaimable
	}
	job.Status = model.JobStatusRunning
	job.StartedAt = &startedAt
	job.UpdatedAt = startedAt
	return nil
}

func (s *MemoryJobStore) MarkCompleted(_ context.Context, id uint, totalElapsedMs int64, completedAt time.Time) error {
	return s.finish(id, model.JobStatusCompleted, totalElapsedMs, "", completedAt)
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, id uint, totalElapsedMs int64, errMsg string, completedAt time.Time) error {
	return s.finish(id, model.JobStatusFailed, totalElapsedMs, errMsg, completedAt)
}

func (s *MemoryJobStore) finish(id uint, status model.JobStatus, totalElapsedMs int64, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = status
	job.TotalElapsedMs = totalElapsedMs
	job.ErrorMessage = errMsg
	job.CompletedAt = &at
	job.UpdatedAt = at
	return nil
}

func (s *MemoryJobStore) SaveResults(_ context.Context, jobID uint, records []model.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	cp := make([]model.ResultRecord, len(records))
	for i, rec := range records {
		s.nextRec++
		rec.ID = s.nextRec
		rec.JobID = jobID
		cp[i] = rec
	}
	s.results[jobID] = append(s.results[jobID], cp...)
	return nil
}

func (s *MemoryJobStore) ListResults(_ context.Context, jobID uint) ([]model.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	out := make([]model.ResultRecord, len(s.results[jobID]))
	copy(out, s.results[jobID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
