// Package config loads the closed CandleVault configuration record once at
// process start. Values come from an optional YAML file with environment
// overrides; anything invalid is fatal before any component starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/candlevault/candlevault/internal/models"
)

// Config is the full process configuration. It is loaded once and passed by
// reference; no component reads the environment after startup.
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// UpstreamConfig configures the market-data provider adapter.
type UpstreamConfig struct {
	APIKey         string        `yaml:"api_key" env:"UPSTREAM_API_KEY"`
	BaseURL        string        `yaml:"base_url" env:"UPSTREAM_BASE_URL"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RatePerWindow  int           `yaml:"rate_per_window"`
	RateWindow     time.Duration `yaml:"rate_window"`
	RateBurst      int           `yaml:"rate_burst"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryMinWait   time.Duration `yaml:"retry_min_wait"`
	RetryMaxWait   time.Duration `yaml:"retry_max_wait"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	SourceTag      string        `yaml:"source_tag"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures the optional upstream response cache.
// An empty Addr disables caching entirely.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// BackfillConfig holds the orchestrator pacing and retry knobs.
type BackfillConfig struct {
	MaxConcurrentSymbols int           `yaml:"max_concurrent_symbols"`
	InterGroupPause      time.Duration `yaml:"inter_group_pause"`
	InterSymbolStagger   time.Duration `yaml:"inter_symbol_stagger"`
	ChunkDays            int           `yaml:"chunk_days"`
	DefaultHistoryDays   int           `yaml:"default_history_days"`
	GapRetryMaxAttempts  int           `yaml:"gap_retry_max_attempts"`
	JobDeadline          time.Duration `yaml:"job_deadline"`
}

// SchedulerConfig holds the daily-job trigger settings.
type SchedulerConfig struct {
	Hour          int           `yaml:"hour"`
	Minute        int           `yaml:"minute"`
	MisfireGrace  time.Duration `yaml:"misfire_grace"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// HTTPConfig configures the ops server (health, metrics, job status).
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

// Default returns the configuration with every knob at its documented default.
func Default() Config {
	return Config{
		Upstream: UpstreamConfig{
			BaseURL:       "https://api.marketfeed.io",
			CallTimeout:   30 * time.Second,
			RatePerWindow: 5,
			RateWindow:    60 * time.Second,
			RateBurst:     5,
			MaxRetries:    3,
			RetryMinWait:  2 * time.Second,
			RetryMaxWait:  10 * time.Second,
			CacheTTL:      15 * time.Minute,
			SourceTag:     "marketfeed",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Backfill: BackfillConfig{
			MaxConcurrentSymbols: 3,
			InterGroupPause:      15 * time.Second,
			InterSymbolStagger:   5 * time.Second,
			ChunkDays:            365,
			DefaultHistoryDays:   365,
			GapRetryMaxAttempts:  2,
			JobDeadline:          4 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Hour:          2,
			Minute:        0,
			MisfireGrace:  600 * time.Second,
			MaxConcurrent: 1,
		},
		HTTP: HTTPConfig{
			Addr: ":8087",
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, models.Errorf(models.ErrConfig, "read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, models.Errorf(models.ErrConfig, "parse config file: %v", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("UPSTREAM_API_KEY"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	envInt("BACKFILL_SCHEDULE_HOUR", &cfg.Scheduler.Hour)
	envInt("BACKFILL_SCHEDULE_MINUTE", &cfg.Scheduler.Minute)
	envInt("MAX_CONCURRENT_SYMBOLS", &cfg.Backfill.MaxConcurrentSymbols)
	envInt("CHUNK_DAYS", &cfg.Backfill.ChunkDays)
	envInt("DEFAULT_HISTORY_DAYS", &cfg.Backfill.DefaultHistoryDays)
	envInt("GAP_RETRY_MAX_ATTEMPTS", &cfg.Backfill.GapRetryMaxAttempts)
	envSeconds("INTER_GROUP_PAUSE_SECONDS", &cfg.Backfill.InterGroupPause)
	envSeconds("INTER_SYMBOL_STAGGER_SECONDS", &cfg.Backfill.InterSymbolStagger)
	envSeconds("UPSTREAM_CALL_TIMEOUT_SECONDS", &cfg.Upstream.CallTimeout)
	envSeconds("JOB_DEADLINE_SECONDS", &cfg.Backfill.JobDeadline)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envSeconds(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Upstream.APIKey == "" {
		return models.Errorf(models.ErrConfig, "UPSTREAM_API_KEY is required")
	}
	if c.Database.URL == "" {
		return models.Errorf(models.ErrConfig, "DATABASE_URL is required")
	}
	if c.Scheduler.Hour < 0 || c.Scheduler.Hour > 23 {
		return models.Errorf(models.ErrConfig, "schedule hour %d out of range", c.Scheduler.Hour)
	}
	if c.Scheduler.Minute < 0 || c.Scheduler.Minute > 59 {
		return models.Errorf(models.ErrConfig, "schedule minute %d out of range", c.Scheduler.Minute)
	}
	if c.Backfill.MaxConcurrentSymbols < 1 {
		return models.Errorf(models.ErrConfig, "max_concurrent_symbols must be >= 1")
	}
	if c.Backfill.ChunkDays < 1 {
		return models.Errorf(models.ErrConfig, "chunk_days must be >= 1")
	}
	if c.Backfill.DefaultHistoryDays < 1 {
		return models.Errorf(models.ErrConfig, "default_history_days must be >= 1")
	}
	if c.Upstream.RatePerWindow < 1 {
		return models.Errorf(models.ErrConfig, "rate_per_window must be >= 1")
	}
	if c.Backfill.JobDeadline <= 0 {
		return models.Errorf(models.ErrConfig, "job_deadline must be positive")
	}
	return nil
}

func (c Config) String() string {
	// Never print the API key or DSN credentials.
	return fmt.Sprintf("upstream=%s rate=%d/%s concurrency=%d chunk=%dd schedule=%02d:%02d",
		c.Upstream.BaseURL, c.Upstream.RatePerWindow, c.Upstream.RateWindow,
		c.Backfill.MaxConcurrentSymbols, c.Backfill.ChunkDays,
		c.Scheduler.Hour, c.Scheduler.Minute)
}
