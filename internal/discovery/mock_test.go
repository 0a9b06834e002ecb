package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/pkg/solana"
)

const testProgram = "11111111111111111111111111111111"

// mockClient serves a fixed account list.
type mockClient struct {
	mu       sync.Mutex
	accounts []solana.ProgramAccount
	err      error
	calls    int
}

func (m *mockClient) GetProgramAccounts(_ context.Context, _ string, _ *solana.ProgramAccountsOpts) ([]solana.ProgramAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.accounts, m.err
}

func (m *mockClient) GetAccountInfo(context.Context, string, *solana.AccountInfoOpts) (*solana.AccountInfo, error) {
	return nil, nil
}

func (m *mockClient) GetSlot(context.Context, *solana.SlotOpts) (uint64, error) {
	return 0, nil
}

func (m *mockClient) GetSignaturesForAddress(context.Context, string, *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	return nil, nil
}

// failingQueue rejects enqueues for the listed job IDs.
type failingQueue struct {
	inner  *queue.MemoryQueue
	failOn map[string]bool
}

func (f *failingQueue) Enqueue(ctx context.Context, topic string, payload any, opts queue.Options) error {
	if f.failOn[opts.JobID] {
		return context.DeadlineExceeded
	}
	return f.inner.Enqueue(ctx, topic, payload, opts)
}

// recorder captures the interleaving of enqueues and delays.
type recorder struct {
	events []string
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.events = append(r.events, "delay")
	r.delays = append(r.delays, d)
	return nil
}

type countingObserver struct {
	counts map[string]int
}

func (o *countingObserver) ObserveAccount(result string) {
	if o.counts == nil {
		o.counts = make(map[string]int)
	}
	o.counts[result]++
}

func accountData(name string, extra ...byte) []byte {
	d := AnchorDiscriminator(name)
	return append(d[:], extra...)
}

func fixedJitter(d time.Duration) func(time.Duration) time.Duration {
	return func(time.Duration) time.Duration { return d }
}

// blockingClient holds GetProgramAccounts until release is closed.
type blockingClient struct {
	mockClient
	entered chan struct{}
	release chan struct{}
}

func newBlockingClient(accounts []solana.ProgramAccount) *blockingClient {
	return &blockingClient{
		mockClient: mockClient{accounts: accounts},
		entered:    make(chan struct{}, 4),
		release:    make(chan struct{}),
	}
}

func (b *blockingClient) GetProgramAccounts(ctx context.Context, programID string, opts *solana.ProgramAccountsOpts) ([]solana.ProgramAccount, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.mockClient.GetProgramAccounts(ctx, programID, opts)
}
