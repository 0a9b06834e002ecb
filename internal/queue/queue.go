// Package queue defines the idempotent job queue contract and its memory,
// Postgres and RabbitMQ implementations. Enqueueing a job ID that is
// already pending or completed is a no-op.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// DefaultAttempts is used when Options.Attempts is unset.
const DefaultAttempts = 3

// DefaultLease is how long a claimed job stays invisible to other
// consumers. A job still running when its lease expires is claimed again,
// or dead-lettered if its attempts are spent.
const DefaultLease = 5 * time.Minute

// ConsumerOption configures a database-backed queue.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	lease time.Duration
}

// WithLease sets the claim lease. Non-positive values keep DefaultLease.
func WithLease(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		if d > 0 {
			c.lease = d
		}
	}
}

func newConsumerConfig(opts []ConsumerOption) consumerConfig {
	cfg := consumerConfig{lease: DefaultLease}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// errLeaseExpired is recorded on jobs dead-lettered by an expired lease.
const errLeaseExpired = "lease expired after final attempt"

// Options controls a single enqueue.
type Options struct {
	// JobID deduplicates submissions. Empty means a random ID.
	JobID string
	// Delay postpones the first delivery.
	Delay time.Duration
	// Priority orders delivery; lower runs first.
	Priority int
	// Attempts is the delivery budget before the job is dead-lettered.
	Attempts int
}

// Queue accepts jobs.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload any, opts Options) error
}

// Status is a job's lifecycle state.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
	// StatusPublished marks ledger rows for jobs handed to an external broker.
	StatusPublished Status = "published"
)

// Job is a queued unit of work.
type Job struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Depth counts jobs by state.
type Depth struct {
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Dead    int64 `json:"dead"`
}

// Consumer is the worker side of a database-backed queue.
type Consumer interface {
	// Claim leases up to limit due jobs on topic, incrementing attempts.
	Claim(ctx context.Context, topic string, limit int) ([]Job, error)
	Complete(ctx context.Context, job Job) error
	// Fail reschedules job with backoff, or dead-letters it once its
	// attempts are exhausted.
	Fail(ctx context.Context, job Job, cause error) error
	DeadLetters(ctx context.Context, topic string, limit int) ([]Job, error)
	Depth(ctx context.Context) (Depth, error)
}

// Ledger records job IDs handed to an external broker so each is published
// at most once.
type Ledger interface {
	// Record claims id; it returns false if id was already recorded.
	Record(ctx context.Context, topic string, payload json.RawMessage, opts Options) (bool, error)
	// Release forgets id after a failed publish so it can be retried.
	Release(ctx context.Context, id string) error
}

// normalize fills defaults and encodes the payload.
func normalize(payload any, opts Options) (json.RawMessage, Options, error) {
	if opts.JobID == "" {
		opts.JobID = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	if raw, ok := payload.(json.RawMessage); ok {
		return raw, opts, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, opts, eris.Wrapf(err, "queue: marshal payload for job %s", opts.JobID)
	}
	return raw, opts, nil
}

// Decode unmarshals a job payload into v.
func (j Job) Decode(v any) error {
	return eris.Wrapf(json.Unmarshal(j.Payload, v), "queue: decode job %s", j.ID)
}
