package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/model"
)

// MemoryStore keeps records in process. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.Record
	nowFunc func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.Record),
		nowFunc: time.Now,
	}
}

func recordID(kind, key string) string { return kind + "|" + key }

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, filter Filter, page Pagination) (Page, error) {
	s.mu.RLock()
	var matched []model.Record
	for _, r := range s.records {
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		matched = append(matched, copyRecord(r))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
		}
		return matched[i].Key < matched[j].Key
	})

	off, limit := page.offset(), page.limit()
	if off >= len(matched) {
		return Page{}, nil
	}
	matched = matched[off:]
	out := Page{Data: matched}
	if len(matched) > limit {
		out.Data = matched[:limit]
		out.HasMore = true
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, kind, key string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordID(kind, key)]
	if !ok {
		return model.Record{}, eris.Wrapf(ErrNotFound, "store: get %s/%s", kind, key)
	}
	return copyRecord(r), nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec model.Record) error {
	if rec.Kind == "" || rec.Key == "" {
		return eris.New("store: record requires kind and key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(rec)
	return nil
}

// UpsertMany implements Store.
func (s *MemoryStore) UpsertMany(_ context.Context, recs []model.Record) (int64, error) {
	for _, r := range recs {
		if r.Kind == "" || r.Key == "" {
			return 0, eris.New("store: record requires kind and key")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs = dedupe(recs)
	for _, r := range recs {
		s.put(r)
	}
	return int64(len(recs)), nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, kind string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if kind == "" || r.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) put(rec model.Record) {
	rec = copyRecord(rec)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.nowFunc().UTC()
	}
	s.records[recordID(rec.Kind, rec.Key)] = rec
}

func copyRecord(r model.Record) model.Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
