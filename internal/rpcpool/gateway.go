package rpcpool

import (
	"context"

	"github.com/sells-group/chainsync/internal/ratelimit"
	"github.com/sells-group/chainsync/pkg/solana"
)

// Gateway is the solana.Client handed to discovery and enrichment. Every
// call is scheduled through the shared limiter, then routed by the pool.
type Gateway struct {
	pool    *Pool
	limiter *ratelimit.Limiter
}

var _ solana.Client = (*Gateway)(nil)

// NewGateway wires a limiter in front of a pool.
func NewGateway(pool *Pool, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{pool: pool, limiter: limiter}
}

// Pool returns the underlying endpoint pool.
func (g *Gateway) Pool() *Pool {
	return g.pool
}

// Limiter returns the shared limiter.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

func route[T any](ctx context.Context, g *Gateway, fn func(ctx context.Context, c solana.Client) (T, error)) (T, error) {
	return ratelimit.Schedule(ctx, g.limiter, func(ctx context.Context) (T, error) {
		return ExecuteWithFailover(ctx, g.pool, 0, func(ctx context.Context, ep *Endpoint) (T, error) {
			return fn(ctx, ep.Client)
		})
	})
}

// GetProgramAccounts implements solana.Client.
func (g *Gateway) GetProgramAccounts(ctx context.Context, programID string, opts *solana.ProgramAccountsOpts) ([]solana.ProgramAccount, error) {
	return route(ctx, g, func(ctx context.Context, c solana.Client) ([]solana.ProgramAccount, error) {
		return c.GetProgramAccounts(ctx, programID, opts)
	})
}

// GetAccountInfo implements solana.Client.
func (g *Gateway) GetAccountInfo(ctx context.Context, address string, opts *solana.AccountInfoOpts) (*solana.AccountInfo, error) {
	return route(ctx, g, func(ctx context.Context, c solana.Client) (*solana.AccountInfo, error) {
		return c.GetAccountInfo(ctx, address, opts)
	})
}

// GetSlot implements solana.Client.
func (g *Gateway) GetSlot(ctx context.Context, opts *solana.SlotOpts) (uint64, error) {
	return route(ctx, g, func(ctx context.Context, c solana.Client) (uint64, error) {
		return c.GetSlot(ctx, opts)
	})
}

// GetSignaturesForAddress implements solana.Client.
func (g *Gateway) GetSignaturesForAddress(ctx context.Context, address string, opts *solana.SignaturesOpts) ([]solana.SignatureInfo, error) {
	return route(ctx, g, func(ctx context.Context, c solana.Client) ([]solana.SignatureInfo, error) {
		return c.GetSignaturesForAddress(ctx, address, opts)
	})
}
