// Package logging configures the process-wide zerolog logger for the harvester.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON lines.
	Pretty bool

	// Output receives log lines (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it. Packages that
// derive their loggers from log.Logger must be constructed after Setup.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.Kitchen}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a logger for the given component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request and per-page detail
//   - search requests (kind, q, from)
//   - pages stored (hits, written, duplicates)
//   - skipped empty segments, inapplicable fallback strategies
//
// Info: resource lifecycle and progress
//   - start from scratch / resume (mode)
//   - linear vs segmented decision, segment plan summary
//   - per-page progress (offset, segment)
//   - resource and run completion
//
// Warn: conditions that leave a known gap or slow the run
//   - retry attempts, Retry-After cooldowns
//   - capped segments, coverage shortfall, fallback strategy used
//   - window rejections, repaired record log tails
//
// Error: a resource or request that could not be completed
//   - retries exhausted
//   - unreadable checkpoint (restart required)
//   - report write failures
//
// Context Fields:
//   - component: emitting package (search-client, planner, harvester, ...)
//   - resource: catalog resource name
//   - segment, prefix, q: current segment and its query
//   - offset, size: page position
//   - error_class: client, server, rate_limit, network, truncated
