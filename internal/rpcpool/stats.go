package rpcpool

import "time"

// EndpointStats is a read-only snapshot of one endpoint.
type EndpointStats struct {
	URL                 string    `json:"url"`
	Priority            int       `json:"priority"`
	TotalRequests       int64     `json:"total_requests"`
	TotalErrors         int64     `json:"total_errors"`
	ErrorRate           float64   `json:"error_rate"`
	BreakerState        string    `json:"breaker_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used"`
}

// Stats returns a snapshot of every endpoint in configuration order. It is
// for visibility only and never changes routing state.
func (p *Pool) Stats() []EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStats, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		snap := ep.breaker.Snapshot()
		var rate float64
		if ep.totalRequests > 0 {
			rate = float64(ep.totalErrors) / float64(ep.totalRequests)
		}
		out = append(out, EndpointStats{
			URL:                 ep.URL,
			Priority:            ep.Priority,
			TotalRequests:       ep.totalRequests,
			TotalErrors:         ep.totalErrors,
			ErrorRate:           rate,
			BreakerState:        snap.State.String(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastUsed:            ep.lastUsed,
		})
	}
	return out
}
