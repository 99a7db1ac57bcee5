package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	URL          string        `yaml:"url"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	StreamMaxLen int64         `yaml:"stream_max_len"` // per-run event history cap
	EventTTL     time.Duration `yaml:"event_ttl"`
}

type StorageConfig struct {
	ResultPrefix string `yaml:"result_prefix"` // e.g. gs://pip-results/analyses
}

type ExtractionConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Strategy       string        `yaml:"strategy"` // fast | thorough
	ExtractTables  bool          `yaml:"extract_tables"`
	AllowPartial   bool          `yaml:"allow_partial_failure"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Batching. Documents above PageThreshold are split into
	// contiguous page ranges of MinBatchPages..MaxBatchPages and
	// dispatched with at most MaxConcurrency calls in flight
	// (LargeDocConcurrency above LargeDocPages).
	PageThreshold       int `yaml:"page_threshold"`
	MinBatchPages       int `yaml:"min_batch_pages"`
	MaxBatchPages       int `yaml:"max_batch_pages"`
	MaxConcurrency      int `yaml:"max_concurrency"`
	LargeDocPages       int `yaml:"large_doc_pages"`
	LargeDocConcurrency int `yaml:"large_doc_concurrency"`
	BatchAttempts       int `yaml:"batch_attempts"`
}

type AIConfig struct {
	ProviderOrder   []string      `yaml:"provider_order"` // failover order: openai, gemini
	OpenAIKey       string        `yaml:"openai_key"`
	GeminiKey       string        `yaml:"gemini_key"`
	GeminiURL       string        `yaml:"gemini_url"`
	Model           string        `yaml:"model"`
	MaxPromptTokens int           `yaml:"max_prompt_tokens"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type PipelineConfig struct {
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	CapacityBackoff time.Duration `yaml:"capacity_backoff"` // base when rate-limited
	StageTimeout    time.Duration `yaml:"stage_timeout"`
	Lease           time.Duration `yaml:"lease"`
	CancelPoll      time.Duration `yaml:"cancel_poll"`
	Retention       time.Duration `yaml:"retention"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
}

type ServerConfig struct {
	Port        int           `yaml:"port"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	Grace       time.Duration `yaml:"grace"` // delay after a terminal event before closing streams
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	AuthSecret  string        `yaml:"auth_secret"`
	OperatorKey string        `yaml:"operator_key"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	AI         AIConfig         `yaml:"ai"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Server     ServerConfig     `yaml:"server"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.StreamMaxLen <= 0 {
		cfg.Redis.StreamMaxLen = 1024
	}
	if cfg.Redis.EventTTL <= 0 {
		cfg.Redis.EventTTL = 24 * time.Hour
	}
	if cfg.Extraction.Strategy == "" {
		cfg.Extraction.Strategy = "thorough"
	}
	if cfg.Extraction.RequestTimeout <= 0 {
		cfg.Extraction.RequestTimeout = 90 * time.Second
	}
	if cfg.Extraction.PageThreshold <= 0 {
		cfg.Extraction.PageThreshold = 10
	}
	if cfg.Extraction.MinBatchPages <= 0 {
		cfg.Extraction.MinBatchPages = 3
	}
	if cfg.Extraction.MaxBatchPages <= 0 {
		cfg.Extraction.MaxBatchPages = 12
	}
	if cfg.Extraction.MaxConcurrency <= 0 {
		cfg.Extraction.MaxConcurrency = 10
	}
	if cfg.Extraction.LargeDocPages <= 0 {
		cfg.Extraction.LargeDocPages = 100
	}
	if cfg.Extraction.LargeDocConcurrency <= 0 {
		cfg.Extraction.LargeDocConcurrency = 15
	}
	if cfg.Extraction.BatchAttempts <= 0 {
		cfg.Extraction.BatchAttempts = 2
	}
	if len(cfg.AI.ProviderOrder) == 0 {
		cfg.AI.ProviderOrder = []string{"openai", "gemini"}
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if cfg.AI.MaxPromptTokens <= 0 {
		cfg.AI.MaxPromptTokens = 100_000
	}
	if cfg.AI.RequestTimeout <= 0 {
		cfg.AI.RequestTimeout = 120 * time.Second
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 8
	}
	if cfg.Pipeline.PollInterval <= 0 {
		cfg.Pipeline.PollInterval = 500 * time.Millisecond
	}
	if cfg.Pipeline.MaxAttempts <= 0 {
		cfg.Pipeline.MaxAttempts = 4
	}
	if cfg.Pipeline.BackoffBase <= 0 {
		cfg.Pipeline.BackoffBase = 2 * time.Second
	}
	if cfg.Pipeline.BackoffMax <= 0 {
		cfg.Pipeline.BackoffMax = time.Minute
	}
	if cfg.Pipeline.CapacityBackoff <= 0 {
		cfg.Pipeline.CapacityBackoff = 15 * time.Second
	}
	if cfg.Pipeline.StageTimeout <= 0 {
		cfg.Pipeline.StageTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.Lease <= 0 {
		cfg.Pipeline.Lease = 15 * time.Minute
	}
	if cfg.Pipeline.CancelPoll <= 0 {
		cfg.Pipeline.CancelPoll = 2 * time.Second
	}
	if cfg.Pipeline.Retention <= 0 {
		cfg.Pipeline.Retention = 72 * time.Hour
	}
	if cfg.Pipeline.ReapInterval <= 0 {
		cfg.Pipeline.ReapInterval = time.Hour
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Heartbeat <= 0 {
		cfg.Server.Heartbeat = 15 * time.Second
	}
	if cfg.Server.Grace <= 0 {
		cfg.Server.Grace = 2 * time.Second
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = 30 * time.Minute
	}
	if cfg.Server.TokenTTL <= 0 {
		cfg.Server.TokenTTL = 30 * time.Minute
	}
}

func (cfg *Config) validate() error {
	if cfg.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if cfg.Redis.URL == "" {
		return errors.New("config: redis.url is required")
	}
	if cfg.Storage.ResultPrefix == "" {
		return errors.New("config: storage.result_prefix is required")
	}
	if cfg.Extraction.BaseURL == "" {
		return errors.New("config: extraction.base_url is required")
	}
	if cfg.Extraction.MinBatchPages > cfg.Extraction.MaxBatchPages {
		return fmt.Errorf("config: extraction.min_batch_pages %d > max_batch_pages %d",
			cfg.Extraction.MinBatchPages, cfg.Extraction.MaxBatchPages)
	}
	if cfg.AI.OpenAIKey == "" && cfg.AI.GeminiKey == "" {
		return errors.New("config: set ai.openai_key or ai.gemini_key")
	}
	return nil
}
