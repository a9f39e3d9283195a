package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Model      ModelConfig      `yaml:"model"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Worker     WorkerConfig     `yaml:"worker"`
	Runner     RunnerConfig     `yaml:"runner"`
	Output     OutputConfig     `yaml:"output"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	// debug/info/warn/error
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type DatabaseConfig struct {
	// mysql/memory；memory 仅用于本地调试，进程重启后任务编号从 1 重新开始
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
}

type RedisConfig struct {
	// 为空则进度只保存在进程内存中
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ModelConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	// 每秒请求数上限，0 表示不限速
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// 前端可选的模型列表
	Options []string `yaml:"options"`
}

type GuardrailsConfig struct {
	Timeout  time.Duration  `yaml:"timeout"`
	Keyword  KeywordConfig  `yaml:"keyword"`
	Lakera   LakeraConfig   `yaml:"lakera"`
	Presidio PresidioConfig `yaml:"presidio"`
	Pattern  PatternConfig  `yaml:"pattern"`
}

type KeywordConfig struct {
	Keywords []string `yaml:"keywords"`
}

type LakeraConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	ProjectID string `yaml:"project_id"`
}

type PresidioConfig struct {
	AnalyzerURL   string `yaml:"analyzer_url"`
	AnonymizerURL string `yaml:"anonymizer_url"`
	Language      string `yaml:"language"`
}

type PatternConfig struct {
	Disabled bool `yaml:"disabled"`
}

type DatasetConfig struct {
	Dir string `yaml:"dir"`
}

type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

type RunnerConfig struct {
	// 同一任务内并发处理的数据行数，1 为顺序执行
	RowConcurrency int `yaml:"row_concurrency"`
}

type OutputConfig struct {
	// 任务完成后写入 markdown 报告的目录，为空则不写
	Dir string `yaml:"dir"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)
	return &config, nil
}

// applyEnv 密钥允许只放在环境变量里
func applyEnv(cfg *Config) {
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Guardrails.Lakera.APIKey == "" {
		cfg.Guardrails.Lakera.APIKey = os.Getenv("LAKERA_API_KEY")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.Charset == "" {
		cfg.Database.Charset = "utf8mb4"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model.Timeout <= 0 {
		cfg.Model.Timeout = 60 * time.Second
	}
	if cfg.Model.RateBurst <= 0 {
		cfg.Model.RateBurst = 1
	}
	if cfg.Guardrails.Timeout <= 0 {
		cfg.Guardrails.Timeout = 15 * time.Second
	}
	if cfg.Guardrails.Lakera.APIKey != "" && cfg.Guardrails.Lakera.BaseURL == "" {
		cfg.Guardrails.Lakera.BaseURL = "https://api.lakera.ai"
	}
	if cfg.Guardrails.Presidio.Language == "" {
		cfg.Guardrails.Presidio.Language = "en"
	}
	if cfg.Dataset.Dir == "" {
		cfg.Dataset.Dir = "test-scripts"
	}
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 2
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 64
	}
	if cfg.Runner.RowConcurrency <= 0 {
		cfg.Runner.RowConcurrency = 1
	}
	if len(cfg.Model.Options) == 0 {
		cfg.Model.Options = []string{
			"openai/gpt-3.5-turbo",
			"openai/gpt-4o-mini",
			"google/gemini-pro",
			"anthropic/claude-3-haiku",
			"deepseek/deepseek-chat:free",
			"meta-llama/llama-3-8b-instruct",
		}
	}
}
