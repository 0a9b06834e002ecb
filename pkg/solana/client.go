// Package solana is a minimal JSON-RPC 2.0 client for the subset of the
// Solana RPC API used by the sync core. Every error it returns carries an
// explicit resilience.ErrorKind so callers can route retries without
// inspecting message text.
package solana

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 30 * time.Second

// Client is the blockchain RPC surface consumed by discovery and enrichment.
type Client interface {
	GetProgramAccounts(ctx context.Context, programID string, opts *ProgramAccountsOpts) ([]ProgramAccount, error)
	// GetAccountInfo returns nil, nil when the account does not exist.
	GetAccountInfo(ctx context.Context, address string, opts *AccountInfoOpts) (*AccountInfo, error)
	GetSlot(ctx context.Context, opts *SlotOpts) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)
}

// Commitment is the bank state a query is evaluated against.
type Commitment string

// Commitment levels.
const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ProgramAccount is an account owned by a program.
type ProgramAccount struct {
	Address string
	Data    []byte
}

// AccountInfo is the decoded state of a single account.
type AccountInfo struct {
	Lamports   uint64
	Owner      string
	Data       []byte
	Executable bool
	RentEpoch  uint64
	Slot       uint64
}

// SignatureInfo describes one transaction that touched an address.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime *int64
	Err       any
}

// ProgramAccountsOpts narrows a getProgramAccounts query.
type ProgramAccountsOpts struct {
	Commitment Commitment
	// DataSize keeps only accounts with exactly this many bytes (0 = any).
	DataSize uint64
	// Memcmp keeps only accounts whose data matches at the given offsets.
	Memcmp []MemcmpFilter
}

// MemcmpFilter matches Bytes at Offset in account data.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

// AccountInfoOpts configures getAccountInfo.
type AccountInfoOpts struct {
	Commitment Commitment
}

// SlotOpts configures getSlot.
type SlotOpts struct {
	Commitment Commitment
}

// SignaturesOpts paginates getSignaturesForAddress.
type SignaturesOpts struct {
	Before string
	Until  string
	Limit  int
}

// Option configures the HTTP client.
type Option func(*HTTPClient)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		c.http.Timeout = d
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithHeader adds a header to every request (API keys for hosted providers).
func WithHeader(key, value string) Option {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// HTTPClient implements Client over HTTP JSON-RPC 2.0 against one endpoint.
// It never retries; failover and backoff belong to the endpoint pool.
type HTTPClient struct {
	url       string
	http      *http.Client
	headers   map[string]string
	requestID atomic.Uint64
}

// NewHTTPClient creates a client for the RPC endpoint at url.
func NewHTTPClient(url string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		url:     url,
		headers: make(map[string]string),
		http: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// URL returns the endpoint this client talks to.
func (c *HTTPClient) URL() string {
	return c.url
}
