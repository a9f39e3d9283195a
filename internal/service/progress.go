package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progress 已完成 / 总的 (行, 变体) 数
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// ProgressTracker 运行中任务的进度；查询不存在的任务返回零值
type ProgressTracker interface {
	Set(ctx context.Context, jobID uint, p Progress) error
	Get(ctx context.Context, jobID uint) (Progress, error)
	Delete(ctx context.Context, jobID uint) error
}

type MemoryProgress struct {
	mu    sync.RWMutex
	state map[uint]Progress
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{state: map[uint]Progress{}}
}

func (m *MemoryProgress) Set(_ context.Context, jobID uint, p Progress) error {
	m.mu.Lock()
	m.state[jobID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryProgress) Get(_ context.Context, jobID uint) (Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[jobID], nil
}

func (m *MemoryProgress) Delete(_ context.Context, jobID uint) error {
	m.mu.Lock()
	delete(m.state, jobID)
	m.mu.Unlock()
	return nil
}

// 进度键的过期时间，进程异常退出后自动清理
const progressTTL = 24 * time.Hour

// RedisProgress 多实例共享进度，键为 guardbench:progress:<id> 的 hash
type RedisProgress struct {
	redis *redis.Client
}

func NewRedisProgress(client *redis.Client) *RedisProgress {
	return &RedisProgress{redis: client}
}

func (r *RedisProgress) key(jobID uint) string {
	return fmt.Sprintf("guardbench:progress:%d", jobID)
}

func (r *RedisProgress) Set(ctx context.Context, jobID uint, p Progress) error {
	key := r.key(jobID)
	pipe := r.redis.TxPipeline()
	pipe.HSet(ctx, key, "done", p.Done, "total", p.Total)
	pipe.Expire(ctx, key, progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("写入进度失败: %w", err)
	}
	return nil
}

func (r *RedisProgress) Get(ctx context.Context, jobID uint) (Progress, error) {
	vals, err := r.redis.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil {
		return Progress{}, fmt.Errorf("读取进度失败: %w", err)
	}
	var p Progress
	if v, ok := vals["done"]; ok {
		p.Done, _ = strconv.Atoi(v)
	}
	if v, ok := vals["total"]; ok {
		p.Total, _ = strconv.Atoi(v)
	}
	return p, nil
}

func (r *RedisProgress) Delete(ctx context.Context, jobID uint) error {
	if err := r.redis.Del(ctx, r.key(jobID)).Err(); err != nil {
		return fmt.Errorf("删除进度失败: %w", err)
	}
	return nil
}
