package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	searchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	searchRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	searchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic. It is passed to the
// client explicitly so tests can substitute a fast, deterministic schedule.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter is the randomization factor applied to each backoff (0 disables it).
	Jitter float64

	// MaxRetryAfter caps a server-supplied Retry-After delay (0 means no cap).
	MaxRetryAfter time.Duration

	// RetryStatuses overrides which HTTP statuses are retried.
	// Empty means 429 and every 5xx.
	RetryStatuses []int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		MaxRetryAfter:     5 * time.Minute,
	}
}

// retryableStatus reports whether an HTTP status should be retried under cfg.
func (cfg RetryConfig) retryableStatus(status int) bool {
	if len(cfg.RetryStatuses) == 0 {
		return shouldRetry(classifyStatus(status))
	}
	for _, s := range cfg.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (cfg RetryConfig) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// retryDecision classifies err and reports whether another attempt is allowed.
func retryDecision(cfg RetryConfig, err error) (ErrorClass, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "", false
	}
	switch apiErr.ErrorClass {
	case ErrorClassNetwork, ErrorClassTruncated:
		return apiErr.ErrorClass, true
	default:
		return apiErr.ErrorClass, cfg.retryableStatus(apiErr.StatusCode)
	}
}

// retryWithBackoff executes fn with exponential backoff until it succeeds, fails
// with a non-retryable error, or MaxAttempts is reached. A Retry-After delay
// carried by an APIError replaces the computed backoff for that attempt.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	schedule := cfg.schedule()

	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		class, retry := retryDecision(cfg, err)
		lastClass = class
		if !retry {
			return err
		}

		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := schedule.NextBackOff()
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			wait = apiErr.RetryAfter
			if cfg.MaxRetryAfter > 0 && wait > cfg.MaxRetryAfter {
				wait = cfg.MaxRetryAfter
			}
		}

		searchRetriesTotal.WithLabelValues(string(class)).Inc()
		searchRetryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	searchRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Error().
		Str("error_class", string(lastClass)).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}
