// Package store persists synchronized records. The local store is
// eventually consistent; the enrichment worker reconciles gaps.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/model"
)

// ErrNotFound is returned by Get when no record matches.
var ErrNotFound = eris.New("store: record not found")

// DefaultLimit applies when Pagination.Limit is unset.
const DefaultLimit = 50

// Filter selects records.
type Filter struct {
	Kind string `json:"kind,omitempty"`
	// UpdatedBefore, when set, keeps only records last written before it.
	UpdatedBefore time.Time `json:"updated_before,omitempty"`
}

// Pagination bounds a query.
type Pagination struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Page is one page of query results, oldest update first.
type Page struct {
	Data    []model.Record `json:"data"`
	HasMore bool           `json:"has_more"`
}

// Store is the record persistence contract.
type Store interface {
	Query(ctx context.Context, filter Filter, page Pagination) (Page, error)
	Get(ctx context.Context, kind, key string) (model.Record, error)
	Upsert(ctx context.Context, rec model.Record) error
	// UpsertMany writes recs in one batch. The last record wins when a
	// batch repeats a (kind, key).
	UpsertMany(ctx context.Context, recs []model.Record) (int64, error)
	Count(ctx context.Context, kind string) (int64, error)
}

func (p Pagination) limit() int {
	if p.Limit <= 0 {
		return DefaultLimit
	}
	return p.Limit
}

func (p Pagination) offset() int {
	if p.Offset < 0 {
		return 0
	}
	return p.Offset
}

// dedupe keeps the last record per (kind, key), preserving first-seen order.
func dedupe(recs []model.Record) []model.Record {
	type id struct{ kind, key string }
	pos := make(map[id]int, len(recs))
	out := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		k := id{r.Kind, r.Key}
		if i, ok := pos[k]; ok {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out
}
