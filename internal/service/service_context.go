package service

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"guardbench/internal/config"
)

type ServiceContext struct {
	Config       *config.Config
	Metrics      *Metrics
	Datasets     DatasetSource
	Guardrails   *GuardrailRegistry
	Orchestrator *JobOrchestrator
}

// NewServiceContext conn 为 nil 时使用内存存储，redisClient 为 nil 时进度只保存在内存
func NewServiceContext(cfg *config.Config, conn *gorm.DB, redisClient *redis.Client, reg prometheus.Registerer, logger *zap.Logger) (*ServiceContext, error) {
	metrics := NewMetrics(reg)

	guardrails, err := buildGuardrails(cfg.Guardrails)
	if err != nil {
		return nil, err
	}
	registry := NewGuardrailRegistry(cfg.Guardrails.Timeout, metrics, guardrails...)

	modelClient := NewModelClient(cfg.Model.BaseURL, cfg.Model.APIKey, ModelClientOptions{
		Timeout:     cfg.Model.Timeout,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		RateLimit:   cfg.Model.RateLimit,
		RateBurst:   cfg.Model.RateBurst,
	}, metrics, logger.Named("model"))

	runner := NewEvaluationRunner(modelClient, registry, cfg.Runner.RowConcurrency, logger.Named("runner"))

	var store JobStore = NewMemoryJobStore()
	if conn != nil {
		store = NewGormJobStore(conn)
	}
	var progress ProgressTracker = NewMemoryProgress()
	if redisClient != nil {
		progress = NewRedisProgress(redisClient)
	}

	datasets := NewDirDatasetSource(cfg.Dataset.Dir)
	orchestrator := NewJobOrchestrator(store, datasets, registry, runner, progress, metrics, logger.Named("jobs"), OrchestratorOptions{
		Workers:   cfg.Worker.Count,
		QueueSize: cfg.Worker.QueueSize,
		OutputDir: cfg.Output.Dir,
	})

	logger.Info("护栏已注册", zap.Strings("guardrails", registry.Names()))
	return &ServiceContext{
		Config:       cfg,
		Metrics:      metrics,
		Datasets:     datasets,
		Guardrails:   registry,
		Orchestrator: orchestrator,
	}, nil
}

// keyword 和 pii_pattern 总是可用；远程护栏只有配置了地址/密钥才注册
func buildGuardrails(cfg config.GuardrailsConfig) ([]Guardrail, error) {
	out := []Guardrail{NewKeywordGuardrail(cfg.Keyword.Keywords)}

	if !cfg.Pattern.Disabled {
		pattern, err := NewPatternGuardrail()
		if err != nil {
			return nil, fmt.Errorf("加载 PII 规则失败: %w", err)
		}
		out = append(out, pattern)
	}
	if cfg.Lakera.APIKey != "" {
		out = append(out, NewLakeraGuardrail(cfg.Lakera.BaseURL, cfg.Lakera.APIKey, cfg.Lakera.ProjectID))
	}
	if cfg.Presidio.AnalyzerURL != "" {
		out = append(out, NewPresidioGuardrail(cfg.Presidio.AnalyzerURL, cfg.Presidio.AnonymizerURL, cfg.Presidio.Language))
	}
	return out, nil
}
