package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrJobNotFound     = errors.New("任务不存在")
	ErrNotReady        = errors.New("任务尚未结束，结果不可用")
	ErrJobNotClaimable = errors.New("任务不处于排队状态")
	ErrDatasetNotFound = errors.New("数据集不存在")
	ErrJobFinished     = errors.New("任务已结束")
	ErrQueueFull       = errors.New("任务队列已满")
	ErrStopped         = errors.New("调度器已停止")
)

// ValidationError 提交前校验失败，任务不会被创建
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "参数校验失败: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// ProviderError 模型或护栏调用失败；只记录到结果里，不会中断整批评测
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RegistryError 任务编号分配或持久化失败
type RegistryError struct {
	Op  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("任务存储%s失败: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }
