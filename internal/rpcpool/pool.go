// Package rpcpool routes RPC calls across a prioritized set of endpoints,
// each guarded by its own circuit breaker, with bounded failover retries.
package rpcpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/resilience"
	"github.com/sells-group/chainsync/pkg/solana"
)

// Config controls pool routing and retry behavior.
type Config struct {
	// MaxRetries is the total number of attempts per call. Default: 4.
	MaxRetries int

	// StaleAfter is how long a breaker may stay open before the pool
	// force-resets it when no endpoint is otherwise eligible. Default: 10m.
	StaleAfter time.Duration

	// Backoff controls the sleep between attempts.
	Backoff resilience.Backoff

	// Breaker is the per-endpoint breaker configuration.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 4,
		StaleAfter: 10 * time.Minute,
		Backoff:    resilience.DefaultBackoff(),
		Breaker:    resilience.DefaultCircuitBreakerConfig(),
	}
}

// Observer receives routing events. monitoring.Metrics implements it.
type Observer interface {
	ObserveRequest(endpoint string)
	ObserveError(endpoint string, kind resilience.ErrorKind)
	ObserveBreakerState(endpoint string, state resilience.CircuitState)
}

// Endpoint is one RPC provider. Bookkeeping fields are owned by the pool
// and only touched under the pool mutex.
type Endpoint struct {
	URL      string
	Priority int
	Client   solana.Client

	breaker       *resilience.CircuitBreaker
	lastUsed      time.Time
	totalRequests int64
	totalErrors   int64
}

// NewEndpoint describes an endpoint. Lower priority values are preferred.
func NewEndpoint(url string, priority int, client solana.Client) *Endpoint {
	return &Endpoint{URL: url, Priority: priority, Client: client}
}

// Breaker returns the endpoint's circuit breaker.
func (e *Endpoint) Breaker() *resilience.CircuitBreaker {
	return e.breaker
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces the time source for the pool and every breaker.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.nowFunc = now
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		p.sleep = sleep
	}
}

// WithObserver registers a routing observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// Pool owns the endpoints and routes calls to the most eligible one.
type Pool struct {
	cfg       Config
	mu        sync.Mutex
	endpoints []*Endpoint

	nowFunc  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
}

// New creates a pool over endpoints, building one breaker per endpoint.
func New(cfg Config, endpoints []*Endpoint, opts ...Option) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, eris.New("rpcpool: at least one endpoint is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	p := &Pool{
		cfg:       cfg,
		endpoints: endpoints,
		nowFunc:   time.Now,
		sleep:     resilience.Sleep,
	}
	for _, o := range opts {
		o(p)
	}

	for _, ep := range endpoints {
		if ep.Client == nil {
			return nil, eris.Errorf("rpcpool: endpoint %s has no client", ep.URL)
		}
		ep.breaker = resilience.NewCircuitBreaker(p.breakerConfig(ep.URL))
		ep.breaker.SetClock(p.nowFunc)
	}
	return p, nil
}

// endpointFault reports whether err says something about the endpoint that
// returned it. Malformed requests fail everywhere and don't count.
func endpointFault(err error) bool {
	return resilience.IsFailure(err) && resilience.Classify(err) != resilience.KindInvalidRequest
}

func (p *Pool) breakerConfig(url string) resilience.CircuitBreakerConfig {
	cfg := p.cfg.Breaker
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = endpointFault
	}
	user := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("rpcpool: breaker state change",
			zap.String("endpoint", url),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if p.observer != nil {
			p.observer.ObserveBreakerState(url, to)
		}
		if user != nil {
			user(from, to)
		}
	}
	return cfg
}

// Endpoints returns the pool's endpoints in configuration order.
func (p *Pool) Endpoints() []*Endpoint {
	out := make([]*Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// MaxRetries returns the configured attempt budget.
func (p *Pool) MaxRetries() int {
	return p.cfg.MaxRetries
}

// GetHealthyEndpoint returns the most eligible endpoint: breaker not open
// (or open with a trial due), lowest priority, then least recently used.
// When none qualify, breakers open longer than StaleAfter are force-reset
// and selection is retried once.
func (p *Pool) GetHealthyEndpoint() (*Endpoint, error) {
	return p.selectEndpoint(nil)
}

func (p *Pool) selectEndpoint(tried map[*Endpoint]bool) (*Endpoint, error) {
	if ep := p.pick(tried); ep != nil {
		return ep, nil
	}
	if p.recoverStale() > 0 {
		if ep := p.pick(tried); ep != nil {
			return ep, nil
		}
	}
	return nil, ErrNoEndpointAvailable
}

// pick returns the best eligible endpoint, preferring ones not in tried.
func (p *Pool) pick(tried map[*Endpoint]bool) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.breaker.State() != resilience.CircuitOpen || ep.breaker.TrialDue() {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].lastUsed.Before(eligible[j].lastUsed)
	})

	for _, ep := range eligible {
		if !tried[ep] {
			return ep
		}
	}
	return eligible[0]
}

// recoverStale force-resets every breaker that has been open longer than
// StaleAfter. Returns the number reset.
func (p *Pool) recoverStale() int {
	var n int
	for _, ep := range p.endpoints {
		openFor := ep.breaker.OpenFor()
		if ep.breaker.ResetIfStale(p.cfg.StaleAfter) {
			n++
			zap.L().Warn("rpcpool: force-reset stale breaker",
				zap.String("endpoint", ep.URL),
				zap.Duration("open_for", openFor),
			)
		}
	}
	return n
}

func (p *Pool) markUsed(ep *Endpoint) {
	p.mu.Lock()
	ep.lastUsed = p.nowFunc()
	ep.totalRequests++
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveRequest(ep.URL)
	}
}

func (p *Pool) recordError(ep *Endpoint, kind resilience.ErrorKind) {
	p.mu.Lock()
	ep.totalErrors++
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.ObserveError(ep.URL, kind)
	}
}

// ExecuteOn runs op once against ep through its breaker, updating the
// endpoint's bookkeeping. Calls the breaker rejects are counted neither as
// requests nor as errors; malformed requests are not counted as errors.
func ExecuteOn[T any](ctx context.Context, p *Pool, ep *Endpoint, op func(ctx context.Context, ep *Endpoint) (T, error)) (T, error) {
	var admitted bool
	val, err := resilience.ExecuteVal(ctx, ep.breaker, func(ctx context.Context) (T, error) {
		admitted = true
		p.markUsed(ep)
		return op(ctx, ep)
	})
	if err != nil && admitted && endpointFault(err) {
		p.recordError(ep, resilience.Classify(err))
	}
	return val, err
}

// ExecuteWithFailover runs op for up to maxRetries attempts (the pool
// default when maxRetries <= 0), each on the most eligible endpoint not yet
// tried by this call. Transient and rate-limited failures back off and
// retry. A fatal error fails over to the next endpoint at once; the call
// gives up early only when every eligible endpoint has returned a fatal
// error, or when the request itself is invalid. Exhaustion returns
// *AllEndpointsFailedError. Context cancellation returns the context error.
func ExecuteWithFailover[T any](ctx context.Context, p *Pool, maxRetries int, op func(ctx context.Context, ep *Endpoint) (T, error)) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	tried := make(map[*Endpoint]bool, len(p.endpoints))
	rejected := make(map[*Endpoint]bool, len(p.endpoints))
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, eris.Wrap(err, "rpcpool: execute")
		}

		ep, err := p.selectEndpoint(tried)
		if err != nil {
			lastErr = err
			zap.L().Warn("rpcpool: no endpoint available",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", maxRetries),
			)
			if err := p.backoff(ctx, attempt, resilience.KindTransient, maxRetries); err != nil {
				return zero, err
			}
			continue
		}
		if rejected[ep] {
			// Only endpoints that already returned a fatal error remain.
			return zero, &AllEndpointsFailedError{Attempts: attempt, Err: lastErr}
		}
		tried[ep] = true

		val, err := ExecuteOn(ctx, p, ep, op)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, eris.Wrap(ctx.Err(), "rpcpool: execute")
		}

		kind := resilience.Classify(err)
		log := zap.L().With(
			zap.String("endpoint", ep.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.String("kind", kind.String()),
		)

		switch kind {
		case resilience.KindBreakerOpen:
			// Lost a race with a tripping breaker; pick another endpoint now.
			log.Debug("rpcpool: endpoint breaker open, rerouting")
			continue
		case resilience.KindFatal:
			rejected[ep] = true
			log.Warn("rpcpool: endpoint rejected call, failing over", zap.Error(err))
			continue
		case resilience.KindInvalidRequest, resilience.KindCanceled:
			log.Error("rpcpool: non-retryable error", zap.Error(err))
			return zero, &AllEndpointsFailedError{Attempts: attempt + 1, Err: err}
		}

		log.Warn("rpcpool: attempt failed", zap.Error(err))
		if err := p.backoff(ctx, attempt, kind, maxRetries); err != nil {
			return zero, err
		}
	}

	return zero, &AllEndpointsFailedError{Attempts: maxRetries, Err: lastErr}
}

func (p *Pool) backoff(ctx context.Context, attempt int, kind resilience.ErrorKind, maxRetries int) error {
	// No sleep after the last attempt.
	if attempt >= maxRetries-1 {
		return nil
	}
	if err := p.sleep(ctx, p.cfg.Backoff.Delay(attempt, kind)); err != nil {
		return eris.Wrap(err, "rpcpool: backoff")
	}
	return nil
}
