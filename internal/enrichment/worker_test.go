package enrichment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/store"
	"github.com/sells-group/chainsync/pkg/solana"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, st store.Store, recs ...model.Record) {
	t.Helper()
	for i, r := range recs {
		if r.Kind == "" {
			r.Kind = "account"
		}
		r.UpdatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, st.Upsert(context.Background(), r))
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PerRecordDelay = 500 * time.Millisecond
	return cfg
}

func TestRunCycle_ZeroCandidates(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Record{Key: "k1", Fields: map[string]any{"owner": "prog"}},
		model.Record{Key: "k2", Fields: map[string]any{"owner": "prog"}},
	)
	client := &countingClient{}
	q := &countingQueue{inner: queue.NewMemoryQueue()}

	w := NewWorker(st, NewAccountFetcher(client, ""), q, SentinelPredicate("owner"), testConfig(), WithSleep(noSleep))
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 0, res.Incomplete)
	assert.Equal(t, 0, client.count())
	assert.Equal(t, int32(0), q.calls.Load())
}

func TestRunCycle_EmptyStore(t *testing.T) {
	client := &countingClient{}
	q := &countingQueue{inner: queue.NewMemoryQueue()}

	w := NewWorker(store.NewMemoryStore(), NewAccountFetcher(client, ""), q, SentinelPredicate("owner"), testConfig())
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
	assert.Equal(t, 0, client.count())
	assert.Equal(t, int32(0), q.calls.Load())
}

func TestRunCycle_EnrichesIncompleteRecords(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Record{Key: "k1", Fields: map[string]any{"owner": "k1", "name": "first"}},
		model.Record{Key: "k2", Fields: map[string]any{"owner": "prog"}},
		model.Record{Key: "k3", Fields: map[string]any{"owner": "k3"}},
		model.Record{Key: "k4", Fields: map[string]any{}},
	)
	client := &countingClient{
		accounts: map[string]*solana.AccountInfo{
			"k1": {Owner: "prog", Lamports: 10},
			"k4": {Owner: "prog", Lamports: 40},
		},
		errs: map[string]error{"k3": errors.New("all endpoints failed")},
	}
	mq := queue.NewMemoryQueue()
	obs := &countingObserver{}

	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	w := NewWorker(st, NewAccountFetcher(client, ""), mq, SentinelPredicate("owner"), testConfig(),
		WithSleep(sleep), WithObserver(obs))
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 3, res.Incomplete)
	assert.Equal(t, 2, res.Enriched)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Pending)
	assert.Equal(t, 3, client.count())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, delays)
	assert.Equal(t, map[string]int{CycleOK: 1}, obs.cycles)
	assert.Equal(t, map[string]int{RecordEnriched: 2, RecordFailed: 1}, obs.records)

	jobs := mq.Jobs(model.TopicWrite)
	require.Len(t, jobs, 2)
	assert.Equal(t, model.WriteJobID("account", "k1"), jobs[0].ID)
	assert.Equal(t, model.PriorityEnrichment, jobs[0].Priority)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	var job model.WriteJob
	require.NoError(t, jobs[0].Decode(&job))
	assert.Equal(t, "k1", job.RecordKey)
	assert.Equal(t, "account", job.RecordKind)
	assert.Equal(t, "prog", job.Payload["owner"])
	assert.Equal(t, "first", job.Payload["name"])
	assert.Equal(t, "enrichment", job.Source)
}

func TestRunCycle_NoDataLeavesRecordPending(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, model.Record{Key: "k1", Fields: map[string]any{"owner": "k1"}})
	q := &countingQueue{inner: queue.NewMemoryQueue()}

	w := NewWorker(st, NewAccountFetcher(&countingClient{}, ""), q, SentinelPredicate("owner"), testConfig())
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, int32(0), q.calls.Load())
}

func TestRunCycle_RepeatedCyclesCollapse(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, model.Record{Key: "k1", Fields: map[string]any{"owner": "k1"}})
	client := &countingClient{accounts: map[string]*solana.AccountInfo{"k1": {Owner: "prog"}}}
	mq := queue.NewMemoryQueue()

	w := NewWorker(st, NewAccountFetcher(client, ""), mq, SentinelPredicate("owner"), testConfig())
	for n := 0; n < 3; n++ {
		_, err := w.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, mq.Jobs(model.TopicWrite), 1)
}

func TestRunCycle_EnqueueFailureIsolated(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Record{Key: "k1", Fields: map[string]any{"owner": "k1"}},
		model.Record{Key: "k2", Fields: map[string]any{"owner": "k2"}},
	)
	client := &countingClient{accounts: map[string]*solana.AccountInfo{"k1": {Owner: "p"}, "k2": {Owner: "p"}}}
	q := &countingQueue{inner: queue.NewMemoryQueue(), err: errors.New("queue down")}

	w := NewWorker(st, NewAccountFetcher(client, ""), q, SentinelPredicate("owner"), testConfig(), WithSleep(noSleep))
	res, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, client.count())
}

func TestRunCycle_StoreError(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	fs.failures.Store(1)
	obs := &countingObserver{}

	w := NewWorker(fs, NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), SentinelPredicate("owner"), testConfig(), WithObserver(obs))
	_, err := w.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query store")
	assert.Equal(t, 1, obs.cycles[CycleError])

	_, err = w.RunCycle(context.Background())
	assert.NoError(t, err)
}

func TestRunCycle_PagesThroughStore(t *testing.T) {
	st := store.NewMemoryStore()
	var recs []model.Record
	for i := 0; i < 5; i++ {
		recs = append(recs, model.Record{Key: fmt.Sprintf("k%d", i), Fields: map[string]any{"owner": "prog"}})
	}
	seed(t, st, recs...)

	var seen []string
	isStale := func(rec model.Record) bool {
		seen = append(seen, rec.Key)
		return false
	}
	cfg := testConfig()
	cfg.BatchSize = 2
	w := NewWorker(st, NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), isStale, cfg)

	for n := 0; n < 4; n++ {
		_, err := w.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4", "k0", "k1"}, seen)
}

func TestRunCycle_SingleFlight(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, model.Record{Key: "k1", Fields: map[string]any{"owner": "k1"}})
	f := &blockingFetcher{entered: make(chan struct{}), release: make(chan struct{})}
	w := NewWorker(st, f, queue.NewMemoryQueue(), SentinelPredicate("owner"), testConfig())

	errc := make(chan error, 1)
	go func() {
		_, err := w.RunCycle(context.Background())
		errc <- err
	}()
	<-f.entered

	_, err := w.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(f.release)
	require.NoError(t, <-errc)
}

func TestRunCycle_CancelBetweenRecords(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st,
		model.Record{Key: "k1", Fields: map[string]any{"owner": "k1"}},
		model.Record{Key: "k2", Fields: map[string]any{"owner": "k2"}},
	)
	client := &countingClient{}
	ctx, cancel := context.WithCancel(context.Background())
	sleep := func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	w := NewWorker(st, NewAccountFetcher(client, ""), queue.NewMemoryQueue(), SentinelPredicate("owner"), testConfig(), WithSleep(sleep))
	res, err := w.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, client.count())
	assert.Equal(t, 1, res.Pending)
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	cfg := testConfig()
	cfg.Interval = time.Hour
	w := NewWorker(fs, NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), SentinelPredicate("owner"), cfg)

	w.Stop()
	assert.False(t, w.Running())

	w.Start(context.Background())
	w.Start(context.Background())
	assert.True(t, w.Running())

	require.Eventually(t, func() bool { return fs.queries.Load() == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
	assert.Equal(t, int32(1), fs.queries.Load())
}

func TestWorker_ParentCancelClearsRunning(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	cfg := testConfig()
	cfg.Interval = time.Hour
	w := NewWorker(fs, NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), SentinelPredicate("owner"), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	require.True(t, w.Running())
	require.Eventually(t, func() bool { return fs.queries.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)

	// A fresh Start runs a new loop instead of being ignored.
	w.Start(context.Background())
	defer w.Stop()
	assert.True(t, w.Running())
	require.Eventually(t, func() bool { return fs.queries.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorker_CycleErrorDoesNotStopLoop(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	fs.failures.Store(2)
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	w := NewWorker(fs, NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), SentinelPredicate("owner"), cfg)

	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(t, func() bool { return fs.queries.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_RunBlocksUntilCanceled(t *testing.T) {
	w := NewWorker(store.NewMemoryStore(), NewAccountFetcher(&countingClient{}, ""), queue.NewMemoryQueue(), nil, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, w.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, w.Running())
}
