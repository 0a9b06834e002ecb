package resilience

import (
	"time"
)

// FromBackoffConfig converts config values to a Backoff. Non-positive values
// keep the defaults.
func FromBackoffConfig(initialMs, maxMs, rateLimitedInitialMs int, multiplier, jitter float64) Backoff {
	b := DefaultBackoff()
	if initialMs > 0 {
		b.Initial = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		b.Max = time.Duration(maxMs) * time.Millisecond
	}
	if rateLimitedInitialMs > 0 {
		b.RateLimitedInitial = time.Duration(rateLimitedInitialMs) * time.Millisecond
	}
	if multiplier > 0 {
		b.Multiplier = multiplier
	}
	if jitter >= 0 {
		b.Jitter = jitter
	}
	return b
}

// FromBreakerConfig converts config values to a CircuitBreakerConfig.
func FromBreakerConfig(failureThreshold, resetTimeoutMs, successThreshold int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutMs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutMs) * time.Millisecond
	}
	if successThreshold > 0 {
		cfg.SuccessThreshold = successThreshold
	}
	return cfg
}
