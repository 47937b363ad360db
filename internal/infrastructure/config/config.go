package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtrace configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Batch   BatchConfig   `yaml:"batch"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Eval    EvalConfig    `yaml:"eval"`
	Logging LogConfig     `yaml:"logging"`
}

// APIConfig holds backend connection settings.
type APIConfig struct {
	Endpoint  string        `envconfig:"RUNTRACE_ENDPOINT" default:"http://localhost:1984" yaml:"endpoint"`
	APIKey    string        `envconfig:"RUNTRACE_API_KEY" yaml:"api_key"`
	Project   string        `envconfig:"RUNTRACE_PROJECT" default:"default" yaml:"project"`
	Timeout   time.Duration `envconfig:"RUNTRACE_TIMEOUT" default:"30s" yaml:"timeout"`
	UserAgent string        `envconfig:"RUNTRACE_USER_AGENT" default:"runtrace-go/1.0" yaml:"user_agent"`
}

// BatchConfig holds ingest batching settings.
type BatchConfig struct {
	Size          int           `envconfig:"RUNTRACE_BATCH_SIZE" default:"100" yaml:"size"`
	MaxBytes      int           `envconfig:"RUNTRACE_BATCH_BYTES" default:"20971520" yaml:"max_bytes"`
	FlushInterval time.Duration `envconfig:"RUNTRACE_FLUSH_INTERVAL" default:"250ms" yaml:"flush_interval"`
	MaxQueueBytes int64         `envconfig:"RUNTRACE_MAX_QUEUE_BYTES" default:"0" yaml:"max_queue_bytes"`
	Multipart     bool          `envconfig:"RUNTRACE_MULTIPART" default:"false" yaml:"multipart"`
	Compress      bool          `envconfig:"RUNTRACE_COMPRESS" default:"false" yaml:"compress"`
	HideInputs    bool          `envconfig:"RUNTRACE_HIDE_INPUTS" default:"false" yaml:"hide_inputs"`
	HideOutputs   bool          `envconfig:"RUNTRACE_HIDE_OUTPUTS" default:"false" yaml:"hide_outputs"`
}

// RetryConfig holds caller retry and concurrency settings.
type RetryConfig struct {
	MaxRetries        int           `envconfig:"RUNTRACE_MAX_RETRIES" default:"6" yaml:"max_retries"`
	MaxConcurrency    int           `envconfig:"RUNTRACE_MAX_CONCURRENCY" default:"0" yaml:"max_concurrency"`
	Statuses          []int         `envconfig:"RUNTRACE_RETRY_STATUSES" default:"429,500,502,503,504" yaml:"statuses"`
	MinBackoff        time.Duration `envconfig:"RUNTRACE_MIN_BACKOFF" default:"500ms" yaml:"min_backoff"`
	MaxBackoff        time.Duration `envconfig:"RUNTRACE_MAX_BACKOFF" default:"30s" yaml:"max_backoff"`
	MaxRetryAfter     time.Duration `envconfig:"RUNTRACE_MAX_RETRY_AFTER" default:"5m" yaml:"max_retry_after"`
	AttemptTimeout    time.Duration `envconfig:"RUNTRACE_ATTEMPT_TIMEOUT" default:"30s" yaml:"attempt_timeout"`
	RequestsPerSecond float64       `envconfig:"RUNTRACE_RPS" default:"0" yaml:"requests_per_second"`
}

// BreakerConfig holds circuit breaker settings for delivery.
type BreakerConfig struct {
	Enabled             bool          `envconfig:"RUNTRACE_BREAKER_ENABLED" default:"false" yaml:"enabled"`
	ConsecutiveFailures uint32        `envconfig:"RUNTRACE_BREAKER_FAILURES" default:"10" yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `envconfig:"RUNTRACE_BREAKER_TIMEOUT" default:"30s" yaml:"open_timeout"`
}

// EvalConfig holds evaluation scheduler settings.
type EvalConfig struct {
	TargetConcurrency     int `envconfig:"RUNTRACE_TARGET_CONCURRENCY" default:"4" yaml:"target_concurrency"`
	EvaluationConcurrency int `envconfig:"RUNTRACE_EVAL_CONCURRENCY" default:"4" yaml:"evaluation_concurrency"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Endpoint:  "http://localhost:1984",
			Project:   "default",
			Timeout:   30 * time.Second,
			UserAgent: "runtrace-go/1.0",
		},
		Batch: BatchConfig{
			Size:          100,
			MaxBytes:      20 << 20,
			FlushInterval: 250 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries:     6,
			Statuses:       []int{429, 500, 502, 503, 504},
			MinBackoff:     500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			MaxRetryAfter:  5 * time.Minute,
			AttemptTimeout: 30 * time.Second,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 10,
			OpenTimeout:         30 * time.Second,
		},
		Eval: EvalConfig{
			TargetConcurrency:     4,
			EvaluationConcurrency: 4,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.Endpoint)
	if c.API.Endpoint == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return errs.Validationf("api.endpoint", "%q is not an absolute URL", c.API.Endpoint)
	}
	if c.API.Timeout <= 0 {
		return errs.Validationf("api.timeout", "must be positive")
	}
	if c.Batch.Size <= 0 {
		return errs.Validationf("batch.size", "must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.MaxBytes <= 0 {
		return errs.Validationf("batch.max_bytes", "must be positive, got %d", c.Batch.MaxBytes)
	}
	if c.Batch.FlushInterval <= 0 {
		return errs.Validationf("batch.flush_interval", "must be positive")
	}
	if c.Batch.MaxQueueBytes < 0 {
		return errs.Validationf("batch.max_queue_bytes", "must be >= 0, got %d", c.Batch.MaxQueueBytes)
	}
	if c.Retry.MaxRetries < 0 {
		return errs.Validationf("retry.max_retries", "must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxConcurrency < 0 {
		return errs.Validationf("retry.max_concurrency", "must be >= 0, got %d", c.Retry.MaxConcurrency)
	}
	for _, s := range c.Retry.Statuses {
		if s < 100 || s > 599 {
			return errs.Validationf("retry.statuses", "%d is not an HTTP status", s)
		}
	}
	if c.Retry.RequestsPerSecond < 0 {
		return errs.Validationf("retry.requests_per_second", "must be >= 0")
	}
	return nil
}
