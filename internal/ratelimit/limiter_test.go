package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultConfig(), l.Config())
}

func TestSchedule_ReturnsValue(t *testing.T) {
	l := New(DefaultConfig())

	v, err := Schedule(context.Background(), l, func(_ context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	boom := errors.New("boom")
	_, err = Schedule(context.Background(), l, func(_ context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDo_BoundsConcurrency(t *testing.T) {
	l := New(Config{Reservoir: 100, RefillInterval: time.Second, MaxConcurrent: 2})

	var (
		current atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(_ context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, Stats{}, l.Stats())
}

func TestDo_ReservoirThrottles(t *testing.T) {
	// 3 permits per 300ms: the first three run immediately, the fourth
	// waits roughly one refill step (100ms).
	l := New(Config{Reservoir: 3, RefillInterval: 300 * time.Millisecond, MaxConcurrent: 10})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Do(context.Background(), func(_ context.Context) error { return nil }))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, l.Do(context.Background(), func(_ context.Context) error { return nil }))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDo_FIFOOrder(t *testing.T) {
	l := New(Config{Reservoir: 100, RefillInterval: time.Second, MaxConcurrent: 1})

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(_ context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(_ context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Make sure waiter i is queued before launching i+1.
		want := int64(i + 1)
		waitFor(t, func() bool { return l.Stats().Queued == want })
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, int64(1), l.Stats().Running)
	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDo_CanceledWhileQueued(t *testing.T) {
	l := New(Config{Reservoir: 100, RefillInterval: time.Second, MaxConcurrent: 1})

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), func(_ context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := l.Do(ctx, func(_ context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	assert.Equal(t, int64(0), l.Stats().Queued)
}
