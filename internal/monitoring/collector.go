package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/queue"
	"github.com/sells-group/chainsync/internal/ratelimit"
	"github.com/sells-group/chainsync/internal/rpcpool"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	Endpoints    []rpcpool.EndpointStats `json:"endpoints"`
	OpenBreakers int                     `json:"open_breakers"`
	Limiter      ratelimit.Stats         `json:"limiter"`

	// Queue is nil when the queue has no consumer side (memory producer
	// only, or a broker).
	Queue *queue.Depth `json:"queue,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// EndpointSource reports per-endpoint stats. *rpcpool.Pool implements it.
type EndpointSource interface {
	Stats() []rpcpool.EndpointStats
}

// LoadSource reports limiter load. *ratelimit.Limiter implements it.
type LoadSource interface {
	Stats() ratelimit.Stats
}

// DepthSource reports queue depth. queue.Consumer implementations satisfy it.
type DepthSource interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// Collector gathers snapshots from the pool, limiter and queue.
type Collector struct {
	endpoints EndpointSource
	limiter   LoadSource
	depth     DepthSource
	metrics   *Metrics
}

// NewCollector creates a collector. depth and metrics may be nil.
func NewCollector(endpoints EndpointSource, limiter LoadSource, depth DepthSource, metrics *Metrics) *Collector {
	return &Collector{endpoints: endpoints, limiter: limiter, depth: depth, metrics: metrics}
}

// Collect gathers a snapshot and mirrors gauges onto the metrics registry.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	if c.endpoints != nil {
		snap.Endpoints = c.endpoints.Stats()
		for _, ep := range snap.Endpoints {
			if ep.BreakerState == "open" {
				snap.OpenBreakers++
			}
		}
	}

	if c.limiter != nil {
		snap.Limiter = c.limiter.Stats()
		if c.metrics != nil {
			c.metrics.ObserveLimiter(snap.Limiter)
		}
	}

	if c.depth != nil {
		d, err := c.depth.Depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.Queue = &d
		if c.metrics != nil {
			c.metrics.ObserveDepth(d)
		}
	}

	return snap, nil
}
