package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chainsync/internal/db"
	"github.com/sells-group/chainsync/internal/resilience"
)

// PostgresQueue is a job queue backed by the job_queue table. Consumers
// claim with FOR UPDATE SKIP LOCKED, so any number may run concurrently.
type PostgresQueue struct {
	pool    db.Pool
	backoff resilience.Backoff
	lease   time.Duration
	nowFunc func() time.Time
}

var (
	_ Queue    = (*PostgresQueue)(nil)
	_ Consumer = (*PostgresQueue)(nil)
	_ Ledger   = (*PostgresQueue)(nil)
)

// NewPostgresQueue creates a queue on pool.
func NewPostgresQueue(pool db.Pool, opts ...ConsumerOption) *PostgresQueue {
	return &PostgresQueue{
		pool:    pool,
		backoff: resilience.DefaultBackoff(),
		lease:   newConsumerConfig(opts).lease,
		nowFunc: time.Now,
	}
}

const queueMigration = `
CREATE TABLE IF NOT EXISTS job_queue (
	job_id       TEXT PRIMARY KEY,
	topic        TEXT NOT NULL,
	payload      JSONB NOT NULL,
	priority     INT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	run_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error   TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_job_queue_claim ON job_queue(topic, status, priority, run_at);
CREATE INDEX IF NOT EXISTS idx_job_queue_status ON job_queue(status);
`

// Migrate creates the queue table if needed.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, queueMigration)
	return eris.Wrap(err, "queue: migrate")
}

// Enqueue inserts a pending job. A known job ID is left untouched.
func (q *PostgresQueue) Enqueue(ctx context.Context, topic string, payload any, opts Options) error {
	raw, opts, err := normalize(payload, opts)
	if err != nil {
		return err
	}
	inserted, err := q.insert(ctx, topic, raw, opts, StatusPending)
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue %s", opts.JobID)
	}
	if !inserted {
		zap.L().Debug("queue: duplicate job ignored",
			zap.String("topic", topic),
			zap.String("job_id", opts.JobID),
		)
	}
	return nil
}

// Record implements Ledger using the same table with status 'published'.
func (q *PostgresQueue) Record(ctx context.Context, topic string, payload json.RawMessage, opts Options) (bool, error) {
	if opts.JobID == "" {
		return false, eris.New("queue: ledger requires a job id")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	inserted, err := q.insert(ctx, topic, payload, opts, StatusPublished)
	return inserted, eris.Wrapf(err, "queue: record %s", opts.JobID)
}

// Release implements Ledger.
func (q *PostgresQueue) Release(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM job_queue WHERE job_id = $1 AND status = 'published'`, id)
	return eris.Wrapf(err, "queue: release %s", id)
}

func (q *PostgresQueue) insert(ctx context.Context, topic string, raw json.RawMessage, opts Options, status Status) (bool, error) {
	tag, err := q.pool.Exec(ctx, `
		INSERT INTO job_queue (job_id, topic, payload, priority, status, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id) DO NOTHING`,
		opts.JobID, topic, []byte(raw), opts.Priority, string(status), opts.Attempts, q.nowFunc().Add(opts.Delay),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Claim implements Consumer. While a job runs, run_at holds its lease
// deadline; running jobs past it are claimed again, or dead-lettered when
// their attempts are spent.
func (q *PostgresQueue) Claim(ctx context.Context, topic string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	now := q.nowFunc()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin claim tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	expired, err := tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'dead', last_error = $3, updated_at = now()
		WHERE topic = $1 AND status = 'running' AND run_at <= $2 AND attempts >= max_attempts`,
		topic, now, errLeaseExpired,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: expire leases")
	}
	if n := expired.RowsAffected(); n > 0 {
		zap.L().Warn("queue: dead-lettered jobs with expired leases",
			zap.String("topic", topic),
			zap.Int64("jobs", n),
		)
	}

	rows, err := tx.Query(ctx, `
		SELECT job_id, topic, payload, priority, attempts, max_attempts, run_at
		FROM job_queue
		WHERE topic = $1 AND status IN ('pending', 'running') AND run_at <= $2
		ORDER BY priority, run_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		topic, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim rows")
	}

	var claimed []Job
	for rows.Next() {
		var (
			j       Job
			payload []byte
		)
		if err := rows.Scan(&j.ID, &j.Topic, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.RunAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: scan claimed row")
		}
		j.Payload = payload
		j.Attempts++
		j.Status = StatusRunning
		claimed = append(claimed, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate claimed rows")
	}

	if len(claimed) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	ids := make([]string, len(claimed))
	for i, j := range claimed {
		ids[i] = j.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_queue
		SET status = 'running', attempts = attempts + 1, run_at = $2, updated_at = now()
		WHERE job_id = ANY($1)`,
		ids, now.Add(q.lease),
	); err != nil {
		return nil, eris.Wrap(err, "queue: mark running")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}
	return claimed, nil
}

// Complete implements Consumer.
func (q *PostgresQueue) Complete(ctx context.Context, job Job) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'completed', last_error = NULL, updated_at = now()
		WHERE job_id = $1`,
		job.ID,
	)
	return eris.Wrapf(err, "queue: complete %s", job.ID)
}

// Fail implements Consumer.
func (q *PostgresQueue) Fail(ctx context.Context, job Job, cause error) error {
	status := StatusPending
	if job.Attempts >= job.MaxAttempts {
		status = StatusDead
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	runAt := q.nowFunc().Add(q.backoff.Delay(job.Attempts-1, resilience.KindTransient))

	_, err := q.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = $2, last_error = $3, run_at = $4, updated_at = now()
		WHERE job_id = $1`,
		job.ID, string(status), msg, runAt,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: fail %s", job.ID)
	}
	if status == StatusDead {
		zap.L().Warn("queue: job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("topic", job.Topic),
			zap.Int("attempts", job.Attempts),
			zap.String("error", msg),
		)
	}
	return nil
}

// DeadLetters implements Consumer.
func (q *PostgresQueue) DeadLetters(ctx context.Context, topic string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT job_id, topic, payload, priority, attempts, max_attempts, run_at, COALESCE(last_error, '')
		FROM job_queue
		WHERE status = 'dead' AND ($1 = '' OR topic = $1)
		ORDER BY updated_at DESC
		LIMIT $2`,
		topic, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: query dead letters")
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j       Job
			payload []byte
		)
		if err := rows.Scan(&j.ID, &j.Topic, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		j.Payload = payload
		j.Status = StatusDead
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate dead letters")
}

// Depth implements Consumer.
func (q *PostgresQueue) Depth(ctx context.Context) (Depth, error) {
	var d Depth
	err := q.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'dead')
		FROM job_queue`,
	).Scan(&d.Pending, &d.Running, &d.Dead)
	return d, eris.Wrap(err, "queue: depth")
}
