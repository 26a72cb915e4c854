package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// fastRetry is a deterministic schedule for tests.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfig_Schedule(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        400 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	b := cfg.schedule()

	want := []time.Duration{100, 200, 400, 400}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("backoff #%d = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestRetryConfig_RetryableStatus(t *testing.T) {
	defaults := RetryConfig{}
	for _, status := range []int{429, 500, 502, 503, 504} {
		if !defaults.retryableStatus(status) {
			t.Errorf("status %d should be retryable by default", status)
		}
	}
	for _, status := range []int{400, 401, 403, 404} {
		if defaults.retryableStatus(status) {
			t.Errorf("status %d should not be retryable by default", status)
		}
	}

	custom := RetryConfig{RetryStatuses: []int{503}}
	if !custom.retryableStatus(503) {
		t.Error("503 should be retryable with custom list")
	}
	if custom.retryableStatus(500) {
		t.Error("500 should not be retryable with custom list")
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), quietLogger(), func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(3), quietLogger(), func() error {
		callCount++
		if callCount < 3 {
			return &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(4), quietLogger(), func() error {
		callCount++
		return &APIError{ErrorClass: ErrorClassNetwork, Message: "connection refused"}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Error("exhausted error should still wrap the last *APIError")
	}
	if callCount != 4 {
		t.Errorf("Expected 4 calls, got %d", callCount)
	}
}

func TestRetryWithBackoff_ClientErrorNotRetried(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(5), quietLogger(), func() error {
		callCount++
		return &APIError{StatusCode: 404, ErrorClass: ErrorClassClient}
	})

	if !IsClientRejected(err) {
		t.Errorf("Expected client rejection, got %v", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("client errors must not be reported as retry exhaustion")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_PlainErrorNotRetried(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), fastRetry(5), quietLogger(), func() error {
		callCount++
		return errors.New("decode response: invalid character")
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_HonorsRetryAfter(t *testing.T) {
	cfg := fastRetry(2)
	callCount := 0

	start := time.Now()
	err := retryWithBackoff(context.Background(), cfg, quietLogger(), func() error {
		callCount++
		if callCount == 1 {
			return &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: 150 * time.Millisecond}
		}
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if elapsed < 120*time.Millisecond {
		t.Errorf("Expected Retry-After delay to be honored, waited %v", elapsed)
	}
}

func TestRetryWithBackoff_RetryAfterCapped(t *testing.T) {
	cfg := fastRetry(2)
	cfg.MaxRetryAfter = 10 * time.Millisecond
	callCount := 0

	start := time.Now()
	_ = retryWithBackoff(context.Background(), cfg, quietLogger(), func() error {
		callCount++
		if callCount == 1 {
			return &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: time.Hour}
		}
		return nil
	})

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retry-After should be capped, waited %v", elapsed)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0

	err := retryWithBackoff(ctx, cfg, quietLogger(), func() error {
		callCount++
		cancel()
		return &APIError{StatusCode: 500, ErrorClass: ErrorClassServer}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}
