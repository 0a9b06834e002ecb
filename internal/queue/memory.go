package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/resilience"
)

// MemoryQueue is an in-process queue used by tests and dry runs. It
// implements Queue, Consumer and Ledger.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	backoff resilience.Backoff
	lease   time.Duration
	nowFunc func() time.Time
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
	_ Ledger   = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(opts ...ConsumerOption) *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*Job),
		backoff: resilience.DefaultBackoff(),
		lease:   newConsumerConfig(opts).lease,
		nowFunc: time.Now,
	}
}

// Enqueue adds a pending job unless its ID is already known.
func (q *MemoryQueue) Enqueue(_ context.Context, topic string, payload any, opts Options) error {
	raw, opts, err := normalize(payload, opts)
	if err != nil {
		return err
	}
	q.insert(topic, raw, opts, StatusPending)
	return nil
}

// Record implements Ledger.
func (q *MemoryQueue) Record(_ context.Context, topic string, payload json.RawMessage, opts Options) (bool, error) {
	if opts.JobID == "" {
		return false, eris.New("queue: ledger requires a job id")
	}
	return q.insert(topic, payload, opts, StatusPublished), nil
}

// Release implements Ledger.
func (q *MemoryQueue) Release(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[id]; !ok {
		return nil
	}
	delete(q.jobs, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) insert(topic string, raw json.RawMessage, opts Options, status Status) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[opts.JobID]; exists {
		return false
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	q.jobs[opts.JobID] = &Job{
		ID:          opts.JobID,
		Topic:       topic,
		Payload:     raw,
		Priority:    opts.Priority,
		Status:      status,
		MaxAttempts: attempts,
		RunAt:       q.nowFunc().Add(opts.Delay),
	}
	q.order = append(q.order, opts.JobID)
	return true
}

// Jobs returns a copy of every job on topic ("" for all) in insertion order.
func (q *MemoryQueue) Jobs(topic string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, id := range q.order {
		j := q.jobs[id]
		if topic == "" || j.Topic == topic {
			out = append(out, *j)
		}
	}
	return out
}

// Claim implements Consumer. Running jobs whose lease has expired are
// claimed again; those with no attempts left are dead-lettered instead.
func (q *MemoryQueue) Claim(_ context.Context, topic string, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	var due []*Job
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Topic != topic || j.RunAt.After(now) {
			continue
		}
		switch j.Status {
		case StatusPending:
			due = append(due, j)
		case StatusRunning:
			if j.Attempts >= j.MaxAttempts {
				j.Status = StatusDead
				j.LastError = errLeaseExpired
				continue
			}
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		return due[a].RunAt.Before(due[b].RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Job, len(due))
	for i, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		out[i] = *j
		j.RunAt = now.Add(q.lease)
	}
	return out, nil
}

// Complete implements Consumer.
func (q *MemoryQueue) Complete(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[job.ID]
	if !ok {
		return eris.Errorf("queue: unknown job %s", job.ID)
	}
	j.Status = StatusCompleted
	j.LastError = ""
	return nil
}

// Fail implements Consumer.
func (q *MemoryQueue) Fail(_ context.Context, job Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[job.ID]
	if !ok {
		return eris.Errorf("queue: unknown job %s", job.ID)
	}
	if cause != nil {
		j.LastError = cause.Error()
	}
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDead
		return nil
	}
	j.Status = StatusPending
	j.RunAt = q.nowFunc().Add(q.backoff.Delay(j.Attempts-1, resilience.KindTransient))
	return nil
}

// DeadLetters implements Consumer.
func (q *MemoryQueue) DeadLetters(_ context.Context, topic string, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status == StatusDead && (topic == "" || j.Topic == topic) {
			out = append(out, *j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Depth implements Consumer.
func (q *MemoryQueue) Depth(_ context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d Depth
	for _, j := range q.jobs {
		switch j.Status {
		case StatusPending:
			d.Pending++
		case StatusRunning:
			d.Running++
		case StatusDead:
			d.Dead++
		}
	}
	return d, nil
}
