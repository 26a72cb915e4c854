package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-harvest/pkg/client"
	"github.com/Sternrassler/catalog-harvest/pkg/harvest"
	"github.com/Sternrassler/catalog-harvest/pkg/planner"
	"github.com/Sternrassler/catalog-harvest/pkg/ratelimit"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".harvest"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix.
const envPrefix = "HARVEST"

// DefaultUserAgent identifies the harvester to API operators.
const DefaultUserAgent = "catalog-harvest/0.1"

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"resource":           "fetch.resources",
	"all":                "fetch.all",
	"exclude":            "fetch.exclude",
	"output-dir":         "fetch.output_dir",
	"page-size":          "fetch.page_size",
	"window-cap":         "fetch.window_cap",
	"restart":            "fetch.restart",
	"facet-size":         "api.facet_size",
	"base-url":           "api.base_url",
	"user-agent":         "api.user_agent",
	"segment-field":      "segment.field",
	"segment-charset":    "segment.charset",
	"segment-max-length": "segment.max_length",
	"coverage-tolerance": "segment.coverage_tolerance",
	"checkpoint-backend": "checkpoint.backend",
	"redis-addr":         "checkpoint.redis_addr",
	"log-level":          "log.level",
	"log-pretty":         "log.pretty",
	"metrics-addr":       "metrics.addr",
}

// Load reads configuration from defaults, the config file, HARVEST_*
// environment variables and flags, in increasing precedence. If configPath
// is empty, .harvest.yaml is searched in CWD and $HOME; a missing file is
// not an error. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	retry := client.DefaultRetryConfig()

	v.SetDefault("api.base_url", client.DefaultBaseURL)
	v.SetDefault("api.user_agent", DefaultUserAgent)
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.facet_size", 10)
	v.SetDefault("api.catalog_facet_size", 1000)
	v.SetDefault("api.requests_per_second", ratelimit.DefaultRequestsPerSecond)
	v.SetDefault("api.burst", ratelimit.DefaultBurst)
	v.SetDefault("api.retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("api.retry.initial_backoff", retry.InitialBackoff)
	v.SetDefault("api.retry.max_backoff", retry.MaxBackoff)
	v.SetDefault("api.retry.multiplier", retry.BackoffMultiplier)
	v.SetDefault("api.retry.statuses", []int{})

	v.SetDefault("fetch.resources", []string{"ImmPort"})
	v.SetDefault("fetch.all", false)
	v.SetDefault("fetch.exclude", harvest.DefaultExcluded)
	v.SetDefault("fetch.output_dir", filepath.Join("data", "raw"))
	v.SetDefault("fetch.page_size", 100)
	v.SetDefault("fetch.window_cap", planner.DefaultWindowCap)
	v.SetDefault("fetch.restart", false)

	v.SetDefault("segment.field", planner.DefaultField)
	v.SetDefault("segment.charset", planner.DefaultCharset)
	v.SetDefault("segment.max_length", planner.DefaultMaxPrefixLength)
	v.SetDefault("segment.coverage_tolerance", planner.DefaultTolerance)

	v.SetDefault("checkpoint.backend", BackendFile)
	v.SetDefault("checkpoint.redis_addr", "")
	v.SetDefault("checkpoint.redis_password", "")
	v.SetDefault("checkpoint.redis_db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("metrics.addr", "")
}
