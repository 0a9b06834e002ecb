package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Backoff: Backoff{
			Initial:            time.Millisecond,
			RateLimitedInitial: 2 * time.Millisecond,
			Max:                10 * time.Millisecond,
			Multiplier:         2.0,
		},
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewRateLimitedError(errors.New("slow down"), 429)
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(5), func(_ context.Context) error {
		calls++
		return NewFatalError(errors.New("bad request"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for fatal error, got %d", calls)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts: 10,
		Backoff:     Backoff{Initial: time.Second, Max: time.Second},
	}

	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls.Add(1)
		return NewTransientError(errors.New("temporary"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Do should return promptly after cancellation")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls.Load())
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool {
		return err.Error() == "retry me"
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("retry me")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) {
		attempts = append(attempts, attempt)
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected retry callbacks [1 2], got %v", attempts)
	}
}

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := Backoff{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Delay(i, KindTransient); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestBackoff_RateLimitedUsesLargerBase(t *testing.T) {
	b := Backoff{
		Initial:            100 * time.Millisecond,
		RateLimitedInitial: time.Second,
		Max:                10 * time.Second,
		Multiplier:         2.0,
	}

	if got := b.Delay(0, KindRateLimited); got != time.Second {
		t.Errorf("expected 1s, got %s", got)
	}
	if got := b.Delay(1, KindRateLimited); got != 2*time.Second {
		t.Errorf("expected 2s, got %s", got)
	}
	if got := b.Delay(0, KindTransient); got != 100*time.Millisecond {
		t.Errorf("expected 100ms for transient, got %s", got)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := Backoff{
		Initial:    time.Second,
		Max:        5 * time.Second,
		Multiplier: 10.0,
		Jitter:     0.5,
	}

	for i := 0; i < 50; i++ {
		if d := b.Delay(5, KindTransient); d > 5*time.Second {
			t.Fatalf("expected delay capped at 5s, got %s", d)
		}
	}
}

func TestBackoff_WithJitter(t *testing.T) {
	b := Backoff{
		Initial:    100 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.5,
	}

	for i := 0; i < 100; i++ {
		d := b.Delay(0, KindTransient)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("delay %s outside ±50%% of 100ms", d)
		}
	}
}

func TestFromBackoffConfig(t *testing.T) {
	b := FromBackoffConfig(250, 4000, 1000, 3, 0)
	if b.Initial != 250*time.Millisecond || b.Max != 4*time.Second ||
		b.RateLimitedInitial != time.Second || b.Multiplier != 3 || b.Jitter != 0 {
		t.Errorf("unexpected backoff: %+v", b)
	}
}

func TestSleep_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("expected nil for zero sleep, got %v", err)
	}
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("rpc", "getSlot")
	// Should not panic with the no-op global logger.
	fn(1, NewTransientError(errors.New("boom"), 503))
}
