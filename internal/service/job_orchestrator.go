package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardbench/internal/model"
)

const (
	msgCancelled   = "cancelled"
	msgInterrupted = "interrupted by restart"
	msgShutdown    = "interrupted by shutdown"
)

type SubmitRequest struct {
	Model          string   `json:"model"`
	Dataset        string   `json:"dataset"`
	Guardrails     []string `json:"guardrails"`
	Variants       []string `json:"variants"`
	PromptAddition string   `json:"prompt_addition"`
}

type OrchestratorOptions struct {
	Workers   int
	QueueSize int
	// 为空时不写报告文件
	OutputDir string
}

// JobView 任务元数据 + 当前进度
type JobView struct {
	*model.Job
	Progress Progress `json:"progress"`
}

// JobResults 已结束任务的完整结果
type JobResults struct {
	Metadata *model.Job           `json:"metadata"`
	Records  []model.ResultRecord `json:"records"`
	Summary  Summary              `json:"summary"`
}

type queuedJob struct {
	plan RunPlan
	rows []model.DatasetRow
}

// JobOrchestrator 任务生命周期：提交 -> 排队 -> 运行 -> 完成/失败。
// 提交只做校验和登记，评测由后台 worker 执行
type JobOrchestrator struct {
	store    JobStore
	datasets DatasetSource
	registry *GuardrailRegistry
	runner   *EvaluationRunner
	progress ProgressTracker
	metrics  *Metrics
	logger   *zap.Logger
	opts     OrchestratorOptions

	queue chan queuedJob

	// mu 保护 running/closed，认领与取消都在锁内完成
	mu      sync.Mutex
	running map[uint]context.CancelFunc
	closed  bool

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

func NewJobOrchestrator(
	store JobStore,
	datasets DatasetSource,
	registry *GuardrailRegistry,
	runner *EvaluationRunner,
	progress ProgressTracker,
	metrics *Metrics,
	logger *zap.Logger,
	opts OrchestratorOptions,
) *JobOrchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if progress == nil {
		progress = NewMemoryProgress()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, shutdown := context.WithCancel(context.Background())
	return &JobOrchestrator{
		store:    store,
		datasets: datasets,
		registry: registry,
		runner:   runner,
		progress: progress,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		queue:    make(chan queuedJob, opts.QueueSize),
		running:  map[uint]context.CancelFunc{},
		baseCtx:  baseCtx,
		shutdown: shutdown,
	}
}

// Start 先把上次进程遗留的未完成任务标记为失败，再启动 worker
func (o *JobOrchestrator) Start(ctx context.Context) error {
	if err := o.Recover(ctx); err != nil {
		return err
	}
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.logger.Info("任务调度器已启动", zap.Int("workers", o.opts.Workers), zap.Int("queue_size", o.opts.QueueSize))
	return nil
}

// Recover 队列只在内存里，重启后无法续跑
func (o *JobOrchestrator) Recover(ctx context.Context) error {
	jobs, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := o.store.MarkFailed(ctx, job.ID, job.TotalElapsedMs, msgInterrupted, time.Now()); err != nil {
			return err
		}
		o.logger.Warn("遗留任务已标记为失败", zap.Uint("job_id", job.ID), zap.String("status", string(job.Status)))
	}
	return nil
}

// Stop 取消运行中的任务，剩余排队任务标记为失败，等待 worker 退出
func (o *JobOrchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.queue)
	}
	o.mu.Unlock()
	o.shutdown()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("任务调度器已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待 worker 退出超时: %w", ctx.Err())
	}
}

// Submit 校验请求并登记任务，立即返回 queued 状态的任务
func (o *JobOrchestrator) Submit(ctx context.Context, req SubmitRequest) (*model.Job, error) {
	verr := &ValidationError{}

	modelName := strings.TrimSpace(req.Model)
	if modelName == "" {
		verr.add("model", "不能为空")
	}

	var rows []model.DatasetRow
	switch {
	case strings.TrimSpace(req.Dataset) == "":
		verr.add("dataset", "不能为空")
	default:
		loaded, err := o.datasets.Load(req.Dataset)
		var dsErr *ValidationError
		switch {
		case errors.As(err, &dsErr):
			for k, v := range dsErr.Fields {
				verr.add(k, v)
			}
		case errors.Is(err, ErrDatasetNotFound):
			verr.add("dataset", err.Error())
		case err != nil:
			return nil, err
		default:
			rows = loaded
		}
	}

	guards, err := o.registry.Resolve(req.Guardrails)
	if err != nil {
		verr.add("guardrails", err.Error())
	}
	variants, err := ParseVariants(req.Variants, req.PromptAddition)
	if err != nil {
		verr.add("variants", err.Error())
	}
	if !verr.empty() {
		return nil, verr
	}

	guardNames := make([]string, 0, len(guards))
	for _, g := range guards {
		guardNames = append(guardNames, g.Name())
	}
	variantNames := make([]string, 0, len(variants))
	for _, v := range variants {
		variantNames = append(variantNames, string(v))
	}

	job := &model.Job{
		Model:             modelName,
		DatasetRef:        strings.TrimSuffix(strings.TrimSpace(req.Dataset), ".csv"),
		EnabledGuardrails: guardNames,
		Variants:          variantNames,
		PromptAddition:    strings.TrimSpace(req.PromptAddition),
		RowCount:          len(rows),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrStopped
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	item := queuedJob{
		plan: RunPlan{
			JobID:          job.ID,
			Model:          job.Model,
			Variants:       variants,
			PromptAddition: job.PromptAddition,
			Guardrails:     guards,
		},
		rows: rows,
	}
	select {
	case o.queue <- item:
	default:
		_ = o.store.MarkFailed(ctx, job.ID, 0, ErrQueueFull.Error(), time.Now())
		return nil, ErrQueueFull
	}
	_ = o.progress.Set(ctx, job.ID, Progress{Total: len(rows) * len(variants)})

	o.logger.Info("任务已提交",
		zap.Uint("job_id", job.ID),
		zap.String("model", job.Model),
		zap.String("dataset", job.DatasetRef),
		zap.Int("rows", job.RowCount),
		zap.Strings("guardrails", guardNames),
		zap.Strings("variants", variantNames))
	return job, nil
}

func (o *JobOrchestrator) GetJob(ctx context.Context, id uint) (*JobView, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Progress: o.jobProgress(ctx, job)}, nil
}

func (o *JobOrchestrator) jobProgress(ctx context.Context, job *model.Job) Progress {
	total := job.RowCount * len(job.Variants)
	if job.Status == model.JobStatusCompleted {
		return Progress{Done: total, Total: total}
	}
	p, err := o.progress.Get(ctx, job.ID)
	if err != nil {
		o.logger.Warn("读取进度失败", zap.Uint("job_id", job.ID), zap.Error(err))
	}
	p.Total = total
	return p
}

func (o *JobOrchestrator) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	return o.store.ListJobs(ctx, limit)
}

// GetResults 任务结束前返回 ErrNotReady；失败的任务返回已保存的部分（可能为空）
func (o *JobOrchestrator) GetResults(ctx context.Context, id uint) (*JobResults, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Finished() {
		return nil, ErrNotReady
	}
	records, err := o.store.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobResults{
		Metadata: job,
		Records:  records,
		Summary:  Aggregate(records, job.EnabledGuardrails),
	}, nil
}

func (o *JobOrchestrator) GetSummary(ctx context.Context, id uint) (Summary, error) {
	res, err := o.GetResults(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	return res.Summary, nil
}

func (o *JobOrchestrator) GetReport(ctx context.Context, id uint) (string, error) {
	res, err := o.GetResults(ctx, id)
	if err != nil {
		return "", err
	}
	return RenderSummaryMarkdown(res.Metadata, res.Summary), nil
}

// Cancel 排队中的任务直接标记失败；运行中的任务取消 ctx，由 worker 标记失败。
// 返回 nil 时任务最终一定是 failed(cancelled)
func (o *JobOrchestrator) Cancel(ctx context.Context, id uint) (*model.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Finished() {
		return job, ErrJobFinished
	}
	if cancel, ok := o.running[id]; ok {
		cancel()
		o.logger.Info("已请求取消运行中的任务", zap.Uint("job_id", id))
		return job, nil
	}
	if err := o.store.MarkFailed(ctx, id, 0, msgCancelled, time.Now()); err != nil {
		return nil, err
	}
	_ = o.progress.Delete(ctx, id)
	o.logger.Info("排队中的任务已取消", zap.Uint("job_id", id))
	return o.store.GetJob(ctx, id)
}

func (o *JobOrchestrator) worker(n int) {
	defer o.wg.Done()
	for item := range o.queue {
		if o.baseCtx.Err() != nil {
			o.abandon(item.plan.JobID)
			continue
		}
		o.execute(item)
	}
	o.logger.Debug("worker 退出", zap.Int("worker", n))
}

func (o *JobOrchestrator) abandon(id uint) {
	ctx := context.Background()
	job, err := o.store.GetJob(ctx, id)
	if err != nil || job.Status != model.JobStatusQueued {
		return
	}
	if err := o.store.MarkFailed(ctx, id, 0, msgShutdown, time.Now()); err != nil {
		o.logger.Error("标记任务失败出错", zap.Uint("job_id", id), zap.Error(err))
	}
}

// claim queued -> running，同时登记到 running，保证同一任务只有一个 runner
func (o *JobOrchestrator) claim(ctx context.Context, id uint, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.running[id]; ok {
		return ErrJobNotClaimable
	}
	if err := o.store.MarkRunning(ctx, id, time.Now()); err != nil {
		return err
	}
	o.running[id] = cancel
	return nil
}

func (o *JobOrchestrator) release(id uint) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *JobOrchestrator) execute(item queuedJob) {
	id := item.plan.JobID
	ctx, cancel := context.WithCancel(o.baseCtx)
	defer cancel()
	// 状态落库不受取消影响
	persistCtx := context.WithoutCancel(ctx)

	if err := o.claim(persistCtx, id, cancel); err != nil {
		if !errors.Is(err, ErrJobNotClaimable) {
			o.logger.Error("认领任务失败", zap.Uint("job_id", id), zap.Error(err))
		}
		return
	}
	defer o.release(id)

	o.metrics.JobStarted()
	start := time.Now()
	o.logger.Info("任务开始执行", zap.Uint("job_id", id), zap.Int("rows", len(item.rows)))

	records, err := o.runner.Run(ctx, item.plan, item.rows, func(done, total int) {
		_ = o.progress.Set(persistCtx, id, Progress{Done: done, Total: total})
	})

	// 与 Cancel 互斥：Cancel 要么看到运行中的任务并让它失败，要么看到任务已结束
	o.mu.Lock()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	status := o.finish(persistCtx, id, records, err)
	delete(o.running, id)
	o.mu.Unlock()
	o.metrics.JobFinished(status)
	_ = o.progress.Delete(persistCtx, id)

	o.logger.Info("任务结束",
		zap.Uint("job_id", id),
		zap.String("status", string(status)),
		zap.Int("records", len(records)),
		zap.Duration("wall", time.Since(start)))

	if status == model.JobStatusCompleted {
		o.writeReport(persistCtx, id)
	}
}

func (o *JobOrchestrator) finish(ctx context.Context, id uint, records []model.ResultRecord, runErr error) model.JobStatus {
	if runErr != nil {
		msg := runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			msg = msgCancelled
			if o.baseCtx.Err() != nil {
				msg = msgShutdown
			}
		}
		if err := o.store.MarkFailed(ctx, id, 0, msg, time.Now()); err != nil {
			o.logger.Error("标记任务失败出错", zap.Uint("job_id", id), zap.Error(err))
		}
		return model.JobStatusFailed
	}

	var total int64
	for _, rec := range records {
		total += rec.RawLatencyMs
	}
	if err := o.store.SaveResults(ctx, id, records); err != nil {
		o.logger.Error("保存结果失败", zap.Uint("job_id", id), zap.Error(err))
		_ = o.store.MarkFailed(ctx, id, total, err.Error(), time.Now())
		return model.JobStatusFailed
	}
	if err := o.store.MarkCompleted(ctx, id, total, time.Now()); err != nil {
		o.logger.Error("标记任务完成出错", zap.Uint("job_id", id), zap.Error(err))
		return model.JobStatusFailed
	}
	return model.JobStatusCompleted
}

// writeReport 与结果同名的 json + md 文件
func (o *JobOrchestrator) writeReport(ctx context.Context, id uint) {
	if o.opts.OutputDir == "" {
		return
	}
	res, err := o.GetResults(ctx, id)
	if err != nil {
		o.logger.Warn("生成报告失败", zap.Uint("job_id", id), zap.Error(err))
		return
	}
	if err := os.MkdirAll(o.opts.OutputDir, 0o755); err != nil {
		o.logger.Warn("创建输出目录失败", zap.String("dir", o.opts.OutputDir), zap.Error(err))
		return
	}

	resultPath := filepath.Join(o.opts.OutputDir, fmt.Sprintf("guardrail_job_%d.json", id))
	reportPath := filepath.Join(o.opts.OutputDir, fmt.Sprintf("guardrail_job_%d_report.md", id))
	if b, err := json.MarshalIndent(res, "", "  "); err == nil {
		_ = os.WriteFile(resultPath, b, 0o644)
	}
	if err := os.WriteFile(reportPath, []byte(RenderSummaryMarkdown(res.Metadata, res.Summary)), 0o644); err != nil {
		o.logger.Warn("写入报告失败", zap.String("path", reportPath), zap.Error(err))
	}
}
