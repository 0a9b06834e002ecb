package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrorKind classifies a failed remote call for retry and routing decisions.
type ErrorKind int

const (
	// KindFatal covers errors that will not succeed on retry against the
	// same endpoint (auth failures, undecodable results, unknown failures).
	// Another endpoint may still serve the call. Unclassified errors default
	// to this kind.
	KindFatal ErrorKind = iota
	// KindTransient covers timeouts, connection resets and provider-side
	// temporary failures. Retried with a short backoff.
	KindTransient
	// KindRateLimited covers HTTP 429 and provider rate-limit error codes.
	// Retried with a longer backoff, preferably on another endpoint.
	KindRateLimited
	// KindBreakerOpen is a routing signal: the call was never attempted.
	KindBreakerOpen
	// KindCanceled means the caller's context ended.
	KindCanceled
	// KindInvalidRequest means the request itself is malformed (invalid
	// params, bad address). No endpoint will accept it.
	KindInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindBreakerOpen:
		return "breaker_open"
	case KindCanceled:
		return "canceled"
	case KindInvalidRequest:
		return "invalid_request"
	default:
		return "fatal"
	}
}

// ClassifiedError wraps an error with an explicit kind. Clients return it so
// callers never have to guess retryability from the message text.
type ClassifiedError struct {
	Kind       ErrorKind
	Err        error
	StatusCode int // HTTP status, 0 when not applicable
	Code       int // JSON-RPC error code, 0 when not applicable
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *ClassifiedError {
	return &ClassifiedError{Kind: KindTransient, Err: err, StatusCode: statusCode}
}

// NewRateLimitedError wraps an error as rate limited.
func NewRateLimitedError(err error, statusCode int) *ClassifiedError {
	return &ClassifiedError{Kind: KindRateLimited, Err: err, StatusCode: statusCode}
}

// NewFatalError wraps an error as non-retryable on the endpoint that
// returned it.
func NewFatalError(err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindFatal, Err: err}
}

// NewInvalidRequestError wraps an error caused by the request itself.
func NewInvalidRequestError(err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindInvalidRequest, Err: err}
}

// Classify returns the kind of err. A ClassifiedError anywhere in the chain
// wins; otherwise network timeouts and connection errnos are transient and
// everything else is fatal.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindBreakerOpen
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return KindTransient
	}

	return KindFatal
}

// IsTransient reports whether err is worth retrying: transient or rate limited.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsFailure reports whether err counts against the health of whatever
// produced it. Everything but cancellation and breaker rejections does.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case KindCanceled, KindBreakerOpen:
		return false
	default:
		return true
	}
}

// KindForHTTPStatus maps an HTTP status code to an error kind.
func KindForHTTPStatus(statusCode int) ErrorKind {
	switch statusCode {
	case 429:
		return KindRateLimited
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return KindTransient
	default:
		return KindFatal
	}
}
