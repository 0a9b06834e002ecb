// Package ratelimit provides the process-wide limiter every RPC call is
// scheduled through. It bounds both request rate and in-flight concurrency;
// excess calls wait in FIFO order instead of being rejected.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config controls the limiter.
type Config struct {
	// Reservoir is the number of permits available per RefillInterval.
	// Default: 10.
	Reservoir int

	// RefillInterval is the period over which the reservoir is replenished.
	// Default: 1s.
	RefillInterval time.Duration

	// MaxConcurrent bounds the number of calls running at once. Default: 5.
	MaxConcurrent int
}

// DefaultConfig returns the default limiter settings.
func DefaultConfig() Config {
	return Config{
		Reservoir:      10,
		RefillInterval: time.Second,
		MaxConcurrent:  5,
	}
}

// Stats is a point-in-time view of limiter load.
type Stats struct {
	Queued  int64 `json:"queued"`
	Running int64 `json:"running"`
}

// Limiter combines a token bucket (burst = Reservoir, refilled at
// Reservoir/RefillInterval) with a FIFO concurrency bound.
//
// The token bucket refills continuously rather than all at once at the end
// of each interval, so over any window of RefillInterval at most
// 2*Reservoir calls start, and over long runs the rate converges on
// Reservoir per interval.
type Limiter struct {
	cfg     Config
	tokens  *rate.Limiter
	slots   *semaphore.Weighted
	queued  atomic.Int64
	running atomic.Int64
}

// New creates a limiter. Non-positive config values fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Reservoir <= 0 {
		cfg.Reservoir = def.Reservoir
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = def.RefillInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}

	every := cfg.RefillInterval / time.Duration(cfg.Reservoir)
	return &Limiter{
		cfg:    cfg,
		tokens: rate.NewLimiter(rate.Every(every), cfg.Reservoir),
		slots:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Do runs fn once a concurrency slot and a rate permit are available. The
// slot is taken first so waiters keep their arrival order while they wait
// for permits. Returns the context error if ctx ends while queued; fn is
// not called in that case.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return fn(ctx)
}

// Schedule is like Do but preserves a return value.
func Schedule[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := l.acquire(ctx); err != nil {
		return zero, err
	}
	defer l.release()
	return fn(ctx)
}

// Stats returns the current queue depth and number of running calls.
func (l *Limiter) Stats() Stats {
	return Stats{
		Queued:  l.queued.Load(),
		Running: l.running.Load(),
	}
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.queued.Add(1)
	defer l.queued.Add(-1)

	if err := l.slots.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "ratelimit: wait for slot")
	}
	if err := l.tokens.Wait(ctx); err != nil {
		l.slots.Release(1)
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "ratelimit: wait for permit")
		}
		// The permit would arrive after ctx's deadline.
		return eris.Wrap(context.DeadlineExceeded, "ratelimit: wait for permit")
	}

	l.running.Add(1)
	return nil
}

func (l *Limiter) release() {
	l.running.Add(-1)
	l.slots.Release(1)
}
