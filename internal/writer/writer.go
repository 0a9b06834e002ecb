// Package writer drains write jobs from the queue into the record store and
// seeds a record for every newly discovered account.
package writer

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/store"
)

// Config controls polling.
type Config struct {
	// BatchSize is the number of jobs claimed per poll. Default: 50.
	BatchSize int
	// PollInterval separates polls that found no work. Default: 2s.
	PollInterval time.Duration
	// SeedKind is the record kind created for discovered accounts.
	// Default: "account".
	SeedKind string
}

// DefaultConfig returns the default writer settings.
func DefaultConfig() Config {
	return Config{BatchSize: 50, PollInterval: 2 * time.Second, SeedKind: "account"}
}

// DrainResult counts one batch.
type DrainResult struct {
	Claimed int
	Written int
	Failed  int
	// Skipped counts discovery jobs whose record already existed.
	Skipped int
}

func (r DrainResult) add(o DrainResult) DrainResult {
	return DrainResult{
		Claimed: r.Claimed + o.Claimed,
		Written: r.Written + o.Written,
		Failed:  r.Failed + o.Failed,
		Skipped: r.Skipped + o.Skipped,
	}
}

// decodeFunc turns a job into a record. A false ok means there is nothing
// to write and the job completes as skipped.
type decodeFunc func(ctx context.Context, job queue.Job) (rec model.Record, ok bool, err error)

// Writer persists claimed write jobs. Each batch is written with one bulk
// upsert; if that fails, records are retried one at a time so a single bad
// record fails only its own job.
type Writer struct {
	consumer queue.Consumer
	store    store.Store
	cfg      Config
	nowFunc  func() time.Time
}

// New creates a writer.
func New(consumer queue.Consumer, st store.Store, cfg Config) *Writer {
	d := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.SeedKind == "" {
		cfg.SeedKind = d.SeedKind
	}
	return &Writer{consumer: consumer, store: st, cfg: cfg, nowFunc: time.Now}
}

// Run polls until ctx is done. Full batches are drained back to back.
func (w *Writer) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "writer"))
	log.Info("starting writer",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("writer stopped")
			return nil
		case <-timer.C:
		}

		next := w.cfg.PollInterval
		var total DrainResult
		for _, drain := range []func(context.Context) (DrainResult, error){w.DrainDiscovered, w.Drain} {
			res, err := drain(ctx)
			total = total.add(res)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Error("writer: drain failed", zap.Error(err))
			case res.Claimed >= w.cfg.BatchSize:
				next = 0
			}
		}
		if total.Claimed > 0 {
			log.Debug("writer: batch done",
				zap.Int("claimed", total.Claimed),
				zap.Int("written", total.Written),
				zap.Int("skipped", total.Skipped),
				zap.Int("failed", total.Failed),
			)
		}
		timer.Reset(next)
	}
}

// Drain claims and writes one batch of write jobs.
func (w *Writer) Drain(ctx context.Context) (DrainResult, error) {
	return w.drain(ctx, model.TopicWrite, w.decodeWrite)
}

// DrainDiscovered claims one batch of discovery jobs and seeds a record for
// each account the store does not hold yet. Seeded records carry no owner,
// so enrichment picks them up on its next cycle.
func (w *Writer) DrainDiscovered(ctx context.Context) (DrainResult, error) {
	return w.drain(ctx, model.TopicDiscovery, w.decodeDiscovery)
}

func (w *Writer) drain(ctx context.Context, topic string, decode decodeFunc) (DrainResult, error) {
	var res DrainResult

	jobs, err := w.consumer.Claim(ctx, topic, w.cfg.BatchSize)
	if err != nil {
		return res, eris.Wrapf(err, "writer: claim %s", topic)
	}
	res.Claimed = len(jobs)
	if len(jobs) == 0 {
		return res, nil
	}

	var (
		recs []model.Record
		ok   []queue.Job
	)
	for _, job := range jobs {
		rec, write, err := decode(ctx, job)
		if err != nil {
			res.Failed++
			w.fail(ctx, job, err)
			continue
		}
		if !write {
			res.Skipped++
			w.complete(ctx, job)
			continue
		}
		recs = append(recs, rec)
		ok = append(ok, job)
	}
	if len(recs) == 0 {
		return res, nil
	}

	_, err = w.store.UpsertMany(ctx, recs)
	if err == nil {
		for _, job := range ok {
			w.complete(ctx, job)
		}
		res.Written += len(ok)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, eris.Wrap(err, "writer: upsert batch")
	}
	zap.L().Warn("writer: batch upsert failed, writing individually",
		zap.Int("records", len(recs)),
		zap.Error(err),
	)

	for i, rec := range recs {
		if err := w.store.Upsert(ctx, rec); err != nil {
			res.Failed++
			w.fail(ctx, ok[i], err)
			continue
		}
		res.Written++
		w.complete(ctx, ok[i])
	}
	return res, nil
}

func (w *Writer) decodeWrite(_ context.Context, job queue.Job) (model.Record, bool, error) {
	var wj model.WriteJob
	if err := job.Decode(&wj); err != nil {
		return model.Record{}, false, err
	}
	if wj.RecordKind == "" || wj.RecordKey == "" {
		return model.Record{}, false, eris.Errorf("writer: job %s has no record kind or key", job.ID)
	}
	return model.Record{
		Kind:      wj.RecordKind,
		Key:       wj.RecordKey,
		Fields:    wj.Payload,
		UpdatedAt: w.nowFunc().UTC(),
	}, true, nil
}

func (w *Writer) decodeDiscovery(ctx context.Context, job queue.Job) (model.Record, bool, error) {
	var dj model.DiscoveryJob
	if err := job.Decode(&dj); err != nil {
		return model.Record{}, false, err
	}
	if dj.AccountAddress == "" {
		return model.Record{}, false, eris.Errorf("writer: job %s has no account address", job.ID)
	}

	_, err := w.store.Get(ctx, w.cfg.SeedKind, dj.AccountAddress)
	switch {
	case err == nil:
		return model.Record{}, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.Record{}, false, eris.Wrapf(err, "writer: look up %s", dj.AccountAddress)
	}

	return model.Record{
		Kind: w.cfg.SeedKind,
		Key:  dj.AccountAddress,
		Fields: map[string]any{
			"program_id":   dj.ProgramID,
			"account_type": string(dj.AccountType),
		},
		UpdatedAt: w.nowFunc().UTC(),
	}, true, nil
}

func (w *Writer) complete(ctx context.Context, job queue.Job) {
	if err := w.consumer.Complete(ctx, job); err != nil {
		zap.L().Error("writer: complete job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Writer) fail(ctx context.Context, job queue.Job, cause error) {
	zap.L().Warn("writer: job failed",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(cause),
	)
	if err := w.consumer.Fail(ctx, job, cause); err != nil {
		zap.L().Error("writer: fail job", zap.String("job_id", job.ID), zap.Error(err))
	}
}
