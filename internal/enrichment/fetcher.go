package enrichment

import (
	"context"
	"encoding/base64"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/model"
	"github.com/sells-group/chainsync/pkg/solana"
)

// Fetcher loads authoritative data for a record. A nil map with a nil error
// means the data is not available yet.
type Fetcher interface {
	Fetch(ctx context.Context, rec model.Record) (map[string]any, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rec model.Record) (map[string]any, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, rec model.Record) (map[string]any, error) {
	return f(ctx, rec)
}

// AccountFetcher reads the on-chain account named by the record key.
type AccountFetcher struct {
	client     solana.Client
	commitment solana.Commitment
}

// NewAccountFetcher creates a fetcher over client, which should be the
// rate-limited gateway.
func NewAccountFetcher(client solana.Client, commitment solana.Commitment) *AccountFetcher {
	return &AccountFetcher{client: client, commitment: commitment}
}

// Fetch implements Fetcher.
func (f *AccountFetcher) Fetch(ctx context.Context, rec model.Record) (map[string]any, error) {
	info, err := f.client.GetAccountInfo(ctx, rec.Key, &solana.AccountInfoOpts{Commitment: f.commitment})
	if err != nil {
		return nil, eris.Wrapf(err, "enrichment: fetch account %s", rec.Key)
	}
	if info == nil {
		return nil, nil
	}
	return map[string]any{
		"lamports":   info.Lamports,
		"owner":      info.Owner,
		"data":       base64.StdEncoding.EncodeToString(info.Data),
		"executable": info.Executable,
		"rent_epoch": info.RentEpoch,
		"slot":       info.Slot,
	}, nil
}
