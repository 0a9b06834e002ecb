package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Backoff computes capped exponential delays with jitter. Rate-limited
// failures start from their own, larger base.
type Backoff struct {
	// Initial is the base delay before the first retry. Default: 500ms.
	Initial time.Duration

	// RateLimitedInitial is the base delay used after a rate-limited
	// failure. Default: 2s.
	RateLimitedInitial time.Duration

	// Max caps the delay. Default: 10s.
	Max time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// Jitter adds random jitter as a fraction of the computed delay
	// (0.0 = none, 0.5 = ±50%). Default: 0.2.
	Jitter float64
}

// DefaultBackoff returns the backoff used for RPC failover.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:            500 * time.Millisecond,
		RateLimitedInitial: 2 * time.Second,
		Max:                10 * time.Second,
		Multiplier:         2.0,
		Jitter:             0.2,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.RateLimitedInitial <= 0 {
		b.RateLimitedInitial = d.RateLimitedInitial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait before retry number attempt (zero-based) after a
// failure of the given kind. The result never exceeds Max.
func (b Backoff) Delay(attempt int, kind ErrorKind) time.Duration {
	b = b.withDefaults()
	base := b.Initial
	if kind == KindRateLimited {
		base = b.RateLimitedInitial
	}

	delay := float64(base) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Apply jitter: ±Jitter of delay.
	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryConfig controls retry behavior for calls that are not routed through
// the endpoint pool (webhooks, broker publishes).
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// Backoff controls the delay between attempts.
	Backoff Backoff

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

// Do executes fn with retry logic according to cfg. It retries only on
// errors deemed transient (via ShouldRetry or the default IsTransient check).
// Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		// Don't retry on context cancellation.
		if ctx.Err() != nil {
			return lastErr
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		// Don't sleep after the last attempt.
		if attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		if err := Sleep(ctx, cfg.Backoff.Delay(attempt, Classify(lastErr))); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("kind", Classify(err).String()),
			zap.Error(err),
		)
	}
}
