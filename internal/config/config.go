// Package config loads and validates harvester configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/harvest"
	"github.com/Sternrassler/catalog-harvest/pkg/logging"
	"github.com/Sternrassler/catalog-harvest/pkg/planner"
)

// Config is the top-level configuration.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Segment    SegmentConfig    `mapstructure:"segment"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// APIConfig holds search API client settings.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	FacetSize         int           `mapstructure:"facet_size"`
	CatalogFacetSize  int           `mapstructure:"catalog_facet_size"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig holds the retry schedule.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Statuses       []int         `mapstructure:"statuses"`
}

// FetchConfig selects resources and paging.
type FetchConfig struct {
	Resources []string `mapstructure:"resources"`
	All       bool     `mapstructure:"all"`
	Exclude   []string `mapstructure:"exclude"`
	OutputDir string   `mapstructure:"output_dir"`
	PageSize  int      `mapstructure:"page_size"`
	WindowCap int      `mapstructure:"window_cap"`
	Restart   bool     `mapstructure:"restart"`
}

// SegmentConfig configures segment planning.
type SegmentConfig struct {
	Field             string  `mapstructure:"field"`
	Charset           string  `mapstructure:"charset"`
	MaxLength         int     `mapstructure:"max_length"`
	CoverageTolerance float64 `mapstructure:"coverage_tolerance"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the optional metrics endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Checkpoint backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// Validation limits.
const (
	MinPageSize  = 1
	MaxPageSize  = 1000
	MinWindowCap = 1000
	MinMaxLength = 1
	MaxMaxLength = 12
)

// Validation errors.
var (
	ErrEmptyField        = errors.New("segment field must not be empty")
	ErrEmptyCharset      = errors.New("segment charset must not be empty")
	ErrInvalidPageSize   = fmt.Errorf("page size must be in [%d, %d]", MinPageSize, MaxPageSize)
	ErrInvalidWindowCap  = fmt.Errorf("window cap must be at least %d", MinWindowCap)
	ErrInvalidMaxLength  = fmt.Errorf("segment max length must be in [%d, %d]", MinMaxLength, MaxMaxLength)
	ErrInvalidTolerance  = errors.New("coverage tolerance must be in (0, 1]")
	ErrInvalidBackend    = errors.New("checkpoint backend must be file or redis")
	ErrMissingRedisAddr  = errors.New("redis checkpoint backend requires checkpoint.redis_addr")
	ErrInvalidRetry      = errors.New("retry max attempts must be at least 1")
	ErrEmptyOutputDir    = errors.New("output dir must not be empty")
	ErrEmptyUserAgent    = errors.New("user agent must not be empty")
	ErrInvalidRatePolicy = errors.New("requests per second must not be negative")
)

// Validate checks the configuration and normalizes the charset.
func (c *Config) Validate() error {
	c.Segment.Field = strings.TrimSpace(c.Segment.Field)
	if c.Segment.Field == "" {
		return ErrEmptyField
	}
	if c.Segment.Charset == "" {
		return ErrEmptyCharset
	}
	c.Segment.Charset = planner.UniqueCharset(c.Segment.Charset)

	if c.Fetch.PageSize < MinPageSize || c.Fetch.PageSize > MaxPageSize {
		return fmt.Errorf("%w, got %d", ErrInvalidPageSize, c.Fetch.PageSize)
	}
	if c.Fetch.WindowCap < MinWindowCap {
		return fmt.Errorf("%w, got %d", ErrInvalidWindowCap, c.Fetch.WindowCap)
	}
	if c.Segment.MaxLength < MinMaxLength || c.Segment.MaxLength > MaxMaxLength {
		return fmt.Errorf("%w, got %d", ErrInvalidMaxLength, c.Segment.MaxLength)
	}
	if c.Segment.CoverageTolerance <= 0 || c.Segment.CoverageTolerance > 1 {
		return fmt.Errorf("%w, got %v", ErrInvalidTolerance, c.Segment.CoverageTolerance)
	}
	if strings.TrimSpace(c.Fetch.OutputDir) == "" {
		return ErrEmptyOutputDir
	}

	switch c.Checkpoint.Backend {
	case BackendFile:
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidBackend, c.Checkpoint.Backend)
	}

	if c.API.Retry.MaxAttempts < 1 {
		return ErrInvalidRetry
	}
	if strings.TrimSpace(c.API.UserAgent) == "" {
		return ErrEmptyUserAgent
	}
	if c.API.RequestsPerSecond < 0 {
		return ErrInvalidRatePolicy
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ClientConfig returns the search client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.API.UserAgent)
	cfg.BaseURL = c.API.BaseURL
	cfg.Timeout = c.API.Timeout
	cfg.FacetSize = c.API.FacetSize
	cfg.CatalogFacetSize = c.API.CatalogFacetSize
	cfg.RequestsPerSecond = c.API.RequestsPerSecond
	cfg.Burst = c.API.Burst
	cfg.Retry.MaxAttempts = c.API.Retry.MaxAttempts
	cfg.Retry.InitialBackoff = c.API.Retry.InitialBackoff
	cfg.Retry.MaxBackoff = c.API.Retry.MaxBackoff
	cfg.Retry.BackoffMultiplier = c.API.Retry.Multiplier
	cfg.Retry.RetryStatuses = c.API.Retry.Statuses
	return cfg
}

// HarvestConfig returns the harvester configuration.
func (c *Config) HarvestConfig() harvest.Config {
	cfg := harvest.DefaultConfig()
	cfg.OutputDir = c.Fetch.OutputDir
	cfg.PageSize = c.Fetch.PageSize
	cfg.Restart = c.Fetch.Restart
	cfg.Planner = planner.Config{
		WindowCap:       c.Fetch.WindowCap,
		Field:           c.Segment.Field,
		Charset:         c.Segment.Charset,
		MaxPrefixLength: c.Segment.MaxLength,
		Tolerance:       c.Segment.CoverageTolerance,
	}
	return cfg
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
