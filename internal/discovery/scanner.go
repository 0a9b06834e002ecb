// Package discovery scans the accounts owned by a program, classifies them
// by discriminator and submits one idempotent ingestion job per account.
package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/resilience"
	"github.com/sells-group/chainsync/pkg/solana"
)

// Account outcomes reported to the Observer.
const (
	ResultEnqueued = "enqueued"
	ResultShort    = "short"
	ResultUnknown  = "unknown"
	ResultFailed   = "failed"
)

// Config controls scan pacing.
type Config struct {
	// BatchSize is the number of accounts processed between delays. Default: 3.
	BatchSize int
	// BatchDelay separates consecutive batches. Default: 3s.
	BatchDelay time.Duration
	// MaxJitter bounds the random delay put on each job. Default: 1s.
	MaxJitter time.Duration
	// MaxAttempts is the delivery budget of each job. Default: 3.
	MaxAttempts int
	Commitment  solana.Commitment
}

// DefaultConfig returns the default scan pacing.
func DefaultConfig() Config {
	return Config{
		BatchSize:   3,
		BatchDelay:  3 * time.Second,
		MaxJitter:   time.Second,
		MaxAttempts: queue.DefaultAttempts,
		Commitment:  solana.CommitmentConfirmed,
	}
}

// ErrScanInProgress is returned when the program is already being scanned.
var ErrScanInProgress = eris.New("discovery: scan already in progress")

// Observer receives one call per examined account.
type Observer interface {
	ObserveAccount(result string)
}

// ScanResult summarizes one scan.
type ScanResult struct {
	ProgramID string                    `json:"program_id"`
	Examined  int                       `json:"examined"`
	Enqueued  int                       `json:"enqueued"`
	Short     int                       `json:"short"`
	Unknown   int                       `json:"unknown"`
	Failed    int                       `json:"failed"`
	Batches   int                       `json:"batches"`
	ByType    map[model.AccountType]int `json:"by_type"`
	Duration  time.Duration             `json:"duration"`
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithSleep replaces the inter-batch sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scanner) { s.sleep = sleep }
}

// WithJitter replaces the per-job jitter source. It receives MaxJitter.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(s *Scanner) { s.jitter = jitter }
}

// WithObserver reports per-account outcomes.
func WithObserver(o Observer) Option {
	return func(s *Scanner) { s.observer = o }
}

// Scanner discovers program accounts. At most one scan per program runs
// at a time; a second concurrent request gets ErrScanInProgress.
type Scanner struct {
	client   solana.Client
	queue    queue.Queue
	table    *Table
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func(limit time.Duration) time.Duration
	observer Observer

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

// NewScanner creates a scanner. client should be rate limited and pooled.
func NewScanner(client solana.Client, q queue.Queue, table *Table, cfg Config, opts ...Option) *Scanner {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	s := &Scanner{
		client: client,
		queue:  q,
		table:  table,
		cfg:    cfg,
		sleep:  resilience.Sleep,
		jitter: randomJitter,
		active: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan examines every account owned by programID and returns the number
// examined (not necessarily enqueued).
func (s *Scanner) Scan(ctx context.Context, programID string) (int, error) {
	res, err := s.ScanDetailed(ctx, programID)
	return res.Examined, err
}

// ScanDetailed is Scan with per-outcome counts. Per-account failures are
// logged and counted; only a failed fetch, cancellation or a scan of the
// same program already running returns an error.
func (s *Scanner) ScanDetailed(ctx context.Context, programID string) (*ScanResult, error) {
	if err := solana.ValidateAddress(programID); err != nil {
		return newScanResult(programID), eris.Wrap(err, "discovery: program id")
	}
	if !s.acquire(programID) {
		return newScanResult(programID), ErrScanInProgress
	}
	defer s.release(programID)
	return s.scan(ctx, programID)
}

// Start scans programID in the background and hands the outcome to done,
// which may be nil. It returns ErrScanInProgress without starting anything
// when that program is already being scanned. Wait blocks until every
// background scan has returned.
func (s *Scanner) Start(ctx context.Context, programID string, done func(*ScanResult, error)) error {
	if err := solana.ValidateAddress(programID); err != nil {
		return eris.Wrap(err, "discovery: program id")
	}
	if !s.acquire(programID) {
		return ErrScanInProgress
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(programID)
		res, err := s.scan(ctx, programID)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

// Wait blocks until background scans started with Start have returned.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// Scanning reports whether programID is being scanned.
func (s *Scanner) Scanning(programID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[programID]
}

func (s *Scanner) acquire(programID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[programID] {
		return false
	}
	s.active[programID] = true
	return true
}

func (s *Scanner) release(programID string) {
	s.mu.Lock()
	delete(s.active, programID)
	s.mu.Unlock()
}

func newScanResult(programID string) *ScanResult {
	return &ScanResult{ProgramID: programID, ByType: make(map[model.AccountType]int)}
}

func (s *Scanner) scan(ctx context.Context, programID string) (*ScanResult, error) {
	start := time.Now()
	res := newScanResult(programID)
	log := zap.L().With(zap.String("component", "discovery.scanner"), zap.String("program_id", programID))

	accounts, err := s.client.GetProgramAccounts(ctx, programID, &solana.ProgramAccountsOpts{
		Commitment: s.cfg.Commitment,
	})
	if err != nil {
		return res, eris.Wrapf(err, "discovery: get program accounts for %s", programID)
	}
	log.Info("scanning program accounts",
		zap.Int("accounts", len(accounts)),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("known_types", s.table.Len()),
	)

	for lo := 0; lo < len(accounts); lo += s.cfg.BatchSize {
		if lo > 0 && s.cfg.BatchDelay > 0 {
			if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
				res.Duration = time.Since(start)
				return res, eris.Wrap(err, "discovery: scan interrupted")
			}
		}

		hi := min(lo+s.cfg.BatchSize, len(accounts))
		for _, acct := range accounts[lo:hi] {
			if err := ctx.Err(); err != nil {
				res.Duration = time.Since(start)
				return res, eris.Wrap(err, "discovery: scan interrupted")
			}
			s.process(ctx, log, programID, acct, res)
		}
		res.Batches++
	}

	res.Duration = time.Since(start)
	log.Info("scan complete",
		zap.Int("examined", res.Examined),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("unknown", res.Unknown),
		zap.Int("short", res.Short),
		zap.Int("failed", res.Failed),
		zap.Int("batches", res.Batches),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (s *Scanner) process(ctx context.Context, log *zap.Logger, programID string, acct solana.ProgramAccount, res *ScanResult) {
	res.Examined++

	if len(acct.Data) < DiscriminatorLen {
		res.Short++
		s.observe(ResultShort)
		log.Debug("account shorter than discriminator",
			zap.String("account", acct.Address),
			zap.Int("len", len(acct.Data)),
		)
		return
	}

	typ, ok := s.table.Match(acct.Data)
	if !ok {
		res.Unknown++
		s.observe(ResultUnknown)
		log.Debug("unknown discriminator",
			zap.String("account", acct.Address),
			zap.String("discriminator", Discriminator(acct.Data[:DiscriminatorLen]).String()),
		)
		return
	}

	delay := s.jitter(s.cfg.MaxJitter)
	job := model.DiscoveryJob{
		JobID:          model.DiscoveryJobID(acct.Address, typ),
		ProgramID:      programID,
		AccountAddress: acct.Address,
		AccountType:    typ,
		ScheduledDelay: delay,
	}
	err := s.queue.Enqueue(ctx, model.TopicDiscovery, job, queue.Options{
		JobID:    job.JobID,
		Delay:    delay,
		Priority: model.PriorityFresh,
		Attempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		res.Failed++
		s.observe(ResultFailed)
		log.Warn("enqueue discovery job failed",
			zap.String("account", acct.Address),
			zap.String("account_type", string(typ)),
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}

	res.Enqueued++
	res.ByType[typ]++
	s.observe(ResultEnqueued)
}

func (s *Scanner) observe(result string) {
	if s.observer != nil {
		s.observer.ObserveAccount(result)
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
