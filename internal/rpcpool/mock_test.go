package rpcpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sells-group/chainsync/internal/resilience"
	"github.com/sells-group/chainsync/pkg/solana"
)

// fakeClient implements solana.Client. Each GetSlot call pops the next
// scripted error; an exhausted script succeeds.
type fakeClient struct {
	mu    sync.Mutex
	name  string
	errs  []error
	fail  error // returned forever when set
	calls int
}

func (f *fakeClient) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		return f.fail
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) GetProgramAccounts(_ context.Context, _ string, _ *solana.ProgramAccountsOpts) ([]solana.ProgramAccount, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []solana.ProgramAccount{{Address: f.name}}, nil
}

func (f *fakeClient) GetAccountInfo(_ context.Context, _ string, _ *solana.AccountInfoOpts) (*solana.AccountInfo, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return &solana.AccountInfo{Owner: f.name}, nil
}

func (f *fakeClient) GetSlot(_ context.Context, _ *solana.SlotOpts) (uint64, error) {
	if err := f.next(); err != nil {
		return 0, err
	}
	return uint64(len(f.name)), nil
}

func (f *fakeClient) GetSignaturesForAddress(_ context.Context, _ string, _ *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []solana.SignatureInfo{{Signature: f.name}}, nil
}

func transientErr() error {
	return resilience.NewTransientError(errors.New("connection reset"), 0)
}

func rateLimitedErr() error {
	return resilience.NewRateLimitedError(errors.New("too many requests"), 429)
}

func fatalErr() error {
	return &resilience.ClassifiedError{
		Kind:       resilience.KindForHTTPStatus(403),
		Err:        errors.New("forbidden"),
		StatusCode: 403,
	}
}

func invalidRequestErr() error {
	return resilience.NewInvalidRequestError(errors.New("invalid params"))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleepRecorder captures backoff sleeps without waiting, advancing the
// test clock instead when one is set.
type sleepRecorder struct {
	mu     sync.Mutex
	clock  *testClock
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return ctx.Err()
}

func (s *sleepRecorder) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type observed struct {
	requests map[string]int
	errors   map[string]int
	states   []resilience.CircuitState
}

type recordingObserver struct {
	mu sync.Mutex
	observed
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{observed: observed{
		requests: make(map[string]int),
		errors:   make(map[string]int),
	}}
}

func (o *recordingObserver) ObserveRequest(endpoint string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests[endpoint]++
}

func (o *recordingObserver) ObserveError(endpoint string, kind resilience.ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors[endpoint+"/"+kind.String()]++
}

func (o *recordingObserver) ObserveBreakerState(_ string, state resilience.CircuitState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}
