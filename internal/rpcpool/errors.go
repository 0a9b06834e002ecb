package rpcpool

import (
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	// ErrNoEndpointAvailable means every breaker is open and none was stale
	// enough to force-reset.
	ErrNoEndpointAvailable = eris.New("no endpoint available")

	// ErrAllEndpointsFailed matches every *AllEndpointsFailedError via errors.Is.
	ErrAllEndpointsFailed = eris.New("all endpoints failed")
)

// AllEndpointsFailedError is returned by ExecuteWithFailover when attempts
// are exhausted or a fatal error stops failover early. Err is the last
// underlying error.
type AllEndpointsFailedError struct {
	Attempts int
	Err      error
}

func (e *AllEndpointsFailedError) Error() string {
	return fmt.Sprintf("rpcpool: all endpoints failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AllEndpointsFailedError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAllEndpointsFailed.
func (e *AllEndpointsFailedError) Is(target error) bool {
	return target == ErrAllEndpointsFailed
}
