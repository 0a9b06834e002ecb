package enrichment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/store"
	"github.com/sells-group/chainsync/pkg/solana"
)

// countingClient counts every RPC and serves account infos by address.
type countingClient struct {
	mu       sync.Mutex
	calls    int
	accounts map[string]*solana.AccountInfo
	errs     map[string]error
}

func (c *countingClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingClient) GetProgramAccounts(context.Context, string, *solana.ProgramAccountsOpts) ([]solana.ProgramAccount, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, nil
}

func (c *countingClient) GetAccountInfo(_ context.Context, address string, _ *solana.AccountInfoOpts) (*solana.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.errs[address]; err != nil {
		return nil, err
	}
	return c.accounts[address], nil
}

func (c *countingClient) GetSlot(context.Context, *solana.SlotOpts) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, nil
}

func (c *countingClient) GetSignaturesForAddress(context.Context, string, *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil, nil
}

// countingQueue counts enqueues in front of a memory queue.
type countingQueue struct {
	inner *queue.MemoryQueue
	calls atomic.Int32
	err   error
}

func (q *countingQueue) Enqueue(ctx context.Context, topic string, payload any, opts queue.Options) error {
	q.calls.Add(1)
	if q.err != nil {
		return q.err
	}
	return q.inner.Enqueue(ctx, topic, payload, opts)
}

// flakyStore fails Query a fixed number of times before delegating.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	queries  atomic.Int32
}

func (f *flakyStore) Query(ctx context.Context, filter store.Filter, page store.Pagination) (store.Page, error) {
	f.queries.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return store.Page{}, context.DeadlineExceeded
	}
	return f.Store.Query(ctx, filter, page)
}

// blockingFetcher parks until released so cycles can be overlapped.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, _ model.Record) (map[string]any, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"owner": "prog"}, nil
}

type countingObserver struct {
	mu      sync.Mutex
	cycles  map[string]int
	records map[string]int
}

func (o *countingObserver) ObserveCycle(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycles == nil {
		o.cycles = make(map[string]int)
	}
	o.cycles[status]++
}

func (o *countingObserver) ObserveRecord(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.records == nil {
		o.records = make(map[string]int)
	}
	o.records[result]++
}

func noSleep(context.Context, time.Duration) error { return nil }
