package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	harvestRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the request limiter",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
	})

	harvestRateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_rate_limit_cooldowns_total",
		Help: "Total number of server-directed cool-downs (429 Retry-After)",
	})
)

// Limiter gates search API requests.
type Limiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	cooldown time.Time
	count    int
	logger   zerolog.Logger
}

// NewLimiter creates a limiter. Non-positive rps disables steady pacing.
func NewLimiter(rps float64, burst int, logger zerolog.Logger) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = DefaultBurst
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		harvestRateLimitWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	l.mu.Lock()
	pause := time.Until(l.cooldown)
	l.mu.Unlock()

	if pause > 0 {
		l.logger.Debug().Dur("pause", pause).Msg("Waiting for cool-down before request")
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("cool-down wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// Cooldown holds back all requests for d. A shorter pause never shortens an
// active one.
func (l *Limiter) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.cooldown) {
		l.cooldown = until
	}
	l.count++
	harvestRateLimitCooldownsTotal.Inc()

	l.logger.Warn().
		Dur("pause", d).
		Time("resume_at", l.cooldown).
		Msg("Server requested cool-down")
}

// State returns a snapshot of the limiter.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		RequestsPerSecond: float64(l.limiter.Limit()),
		Burst:             l.limiter.Burst(),
		CooldownUntil:     l.cooldown,
		Cooldowns:         l.count,
	}
}
