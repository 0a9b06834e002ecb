// Package enrichment reconciles stored records that were written with
// placeholder values, re-fetching authoritative data and resubmitting the
// merged record to the write queue.
package enrichment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/resilience"
	"github.com/sells-group/chainsync/internal/store"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = eris.New("enrichment: cycle already in progress")

// Cycle statuses and record outcomes reported to the Observer.
const (
	CycleOK      = "ok"
	CycleEmpty   = "empty"
	CycleError   = "error"
	CycleSkipped = "skipped"

	RecordEnriched = "enriched"
	RecordPending  = "pending"
	RecordFailed   = "failed"
)

// Config controls the worker.
type Config struct {
	// Interval between cycles. Default: 5m.
	Interval time.Duration
	// BatchSize bounds the records read per cycle. Default: 50.
	BatchSize int
	// PerRecordDelay separates fetches within a cycle. Default: 500ms.
	PerRecordDelay time.Duration
	// RecordKind selects which records are reconciled. Default: "account".
	RecordKind string
	// Priority of write jobs; higher than model.PriorityFresh so fresh
	// writes go first. Default: model.PriorityEnrichment.
	Priority int
	// MaxAttempts of write jobs. Default: 3.
	MaxAttempts int
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		BatchSize:      50,
		PerRecordDelay: 500 * time.Millisecond,
		RecordKind:     "account",
		Priority:       model.PriorityEnrichment,
		MaxAttempts:    queue.DefaultAttempts,
	}
}

// Observer receives cycle and record outcomes.
type Observer interface {
	ObserveCycle(status string)
	ObserveRecord(result string)
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Scanned    int           `json:"scanned"`
	Incomplete int           `json:"incomplete"`
	Enriched   int           `json:"enriched"`
	Pending    int           `json:"pending"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Option configures a Worker.
type Option func(*Worker)

// WithSleep replaces the per-record sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = sleep }
}

// WithObserver reports outcomes.
func WithObserver(o Observer) Option {
	return func(w *Worker) { w.observer = o }
}

// Worker periodically reconciles incomplete records. Cycles never overlap.
type Worker struct {
	id       string
	store    store.Store
	fetcher  Fetcher
	queue    queue.Queue
	isStale  Predicate
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer

	inCycle atomic.Bool
	// offset pages through the store across cycles. Only touched while
	// inCycle is held.
	offset int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker. fetcher should go through the rate-limited
// gateway.
func NewWorker(st store.Store, fetcher Fetcher, q queue.Queue, isStale Predicate, cfg Config, opts ...Option) *Worker {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PerRecordDelay < 0 {
		cfg.PerRecordDelay = 0
	}
	if cfg.RecordKind == "" {
		cfg.RecordKind = d.RecordKind
	}
	if cfg.Priority <= 0 {
		cfg.Priority = d.Priority
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if isStale == nil {
		isStale = func(model.Record) bool { return false }
	}
	w := &Worker{
		id:      uuid.NewString(),
		store:   st,
		fetcher: fetcher,
		queue:   q,
		isStale: isStale,
		cfg:     cfg,
		sleep:   resilience.Sleep,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the cycle loop: one cycle immediately, then every Interval.
// Calling Start on a running worker logs a warning and does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		zap.L().Warn("enrichment: worker already running", zap.String("worker_id", w.id))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

// Stop cancels the loop and waits for an in-flight cycle to return. It is
// safe to call on a stopped worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is started. It turns false once the
// loop exits, whether through Stop or cancellation of the context given to
// Start.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Run starts the worker and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer w.finish(done)

	log := zap.L().With(zap.String("component", "enrichment.worker"), zap.String("worker_id", w.id))
	log.Info("starting enrichment worker",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.String("record_kind", w.cfg.RecordKind),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.tick(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("enrichment worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx, log)
		}
	}
}

// finish clears the run state left by Start unless Stop already did, so the
// worker can be started again after its parent context ends.
func (w *Worker) finish(done chan struct{}) {
	w.mu.Lock()
	if w.done == done {
		w.cancel()
		w.cancel, w.done = nil, nil
	}
	w.mu.Unlock()
	close(done)
}

func (w *Worker) tick(ctx context.Context, log *zap.Logger) {
	res, err := w.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		log.Warn("enrichment: previous cycle still running, skipping tick")
	case err != nil && ctx.Err() != nil:
		log.Info("enrichment: cycle interrupted", zap.Error(err))
	case err != nil:
		log.Error("enrichment: cycle failed", zap.Error(err))
	default:
		log.Info("enrichment: cycle complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("incomplete", res.Incomplete),
			zap.Int("enriched", res.Enriched),
			zap.Int("pending", res.Pending),
			zap.Int("failed", res.Failed),
			zap.Duration("duration", res.Duration),
		)
	}
}

// RunCycle performs one reconciliation pass. Per-record failures are
// counted, not returned; an error means the cycle itself could not run or
// was canceled.
func (w *Worker) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !w.inCycle.CompareAndSwap(false, true) {
		w.observeCycle(CycleSkipped)
		return nil, ErrCycleInProgress
	}
	defer w.inCycle.Store(false)

	start := time.Now()
	res := &CycleResult{}
	log := zap.L().With(zap.String("component", "enrichment.worker"), zap.String("worker_id", w.id))

	page, err := w.store.Query(ctx, store.Filter{Kind: w.cfg.RecordKind}, store.Pagination{
		Limit:  w.cfg.BatchSize,
		Offset: w.offset,
	})
	if err != nil {
		w.observeCycle(CycleError)
		return nil, eris.Wrap(err, "enrichment: query store")
	}
	if page.HasMore {
		w.offset += len(page.Data)
	} else {
		w.offset = 0
	}
	res.Scanned = len(page.Data)

	var candidates []model.Record
	for _, rec := range page.Data {
		if w.isStale(rec) {
			candidates = append(candidates, rec)
		}
	}
	res.Incomplete = len(candidates)
	if len(candidates) == 0 {
		res.Duration = time.Since(start)
		w.observeCycle(CycleEmpty)
		return res, nil
	}

	for i, rec := range candidates {
		if i > 0 && w.cfg.PerRecordDelay > 0 {
			if err := w.sleep(ctx, w.cfg.PerRecordDelay); err != nil {
				res.Duration = time.Since(start)
				w.observeCycle(CycleError)
				return res, eris.Wrap(err, "enrichment: cycle interrupted")
			}
		}
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			w.observeCycle(CycleError)
			return res, eris.Wrap(err, "enrichment: cycle interrupted")
		}
		w.enrich(ctx, log, rec, res)
	}

	res.Duration = time.Since(start)
	w.observeCycle(CycleOK)
	return res, nil
}

func (w *Worker) enrich(ctx context.Context, log *zap.Logger, rec model.Record, res *CycleResult) {
	data, err := w.fetcher.Fetch(ctx, rec)
	if err != nil {
		res.Failed++
		w.observeRecord(RecordFailed)
		log.Warn("enrichment: fetch failed",
			zap.String("record_key", rec.Key),
			zap.String("kind", resilience.Classify(err).String()),
			zap.Error(err),
		)
		return
	}
	if len(data) == 0 {
		res.Pending++
		w.observeRecord(RecordPending)
		log.Debug("enrichment: no data yet, leaving for a later cycle", zap.String("record_key", rec.Key))
		return
	}

	merged := rec.Merge(data)
	job := model.WriteJob{
		JobID:       model.WriteJobID(rec.Kind, rec.Key),
		RecordKind:  rec.Kind,
		RecordKey:   rec.Key,
		Payload:     merged.Fields,
		Priority:    w.cfg.Priority,
		MaxAttempts: w.cfg.MaxAttempts,
		Source:      "enrichment",
	}
	err = w.queue.Enqueue(ctx, model.TopicWrite, job, queue.Options{
		JobID:    job.JobID,
		Priority: job.Priority,
		Attempts: job.MaxAttempts,
	})
	if err != nil {
		res.Failed++
		w.observeRecord(RecordFailed)
		log.Warn("enrichment: enqueue write failed",
			zap.String("record_key", rec.Key),
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}

	res.Enriched++
	w.observeRecord(RecordEnriched)
	log.Debug("enrichment: write submitted",
		zap.String("record_key", rec.Key),
		zap.String("job_id", job.JobID),
	)
}

func (w *Worker) observeCycle(status string) {
	if w.observer != nil {
		w.observer.ObserveCycle(status)
	}
}

func (w *Worker) observeRecord(result string) {
	if w.observer != nil {
		w.observer.ObserveRecord(result)
	}
}
