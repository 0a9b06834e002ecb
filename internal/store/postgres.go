package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/db"
	"github.com/sells-group/chainsync/internal/model"
)

const recordsTable = "records"

// PostgresStore implements Store on a records table with JSONB fields.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres wraps an open pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, nowFunc: time.Now}
}

// Open connects to connString and returns a store that owns the pool.
func Open(ctx context.Context, connString string, cfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: open")
	}
	return NewPostgres(pool), nil
}

// Pool returns the underlying database pool so the job queue can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	fields     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, key)
);

CREATE INDEX IF NOT EXISTS idx_records_kind_updated ON records(kind, updated_at, key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Query implements Store. It fetches one extra row to compute HasMore.
func (s *PostgresStore) Query(ctx context.Context, filter Filter, page Pagination) (Page, error) {
	limit := page.limit()

	var before any
	if !filter.UpdatedBefore.IsZero() {
		before = filter.UpdatedBefore
	}

	rows, err := s.pool.Query(ctx, `
		SELECT kind, key, fields, updated_at FROM records
		WHERE ($1 = '' OR kind = $1) AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at, key
		LIMIT $3 OFFSET $4`,
		filter.Kind, before, limit+1, page.offset(),
	)
	if err != nil {
		return Page{}, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var out Page
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, err
		}
		out.Data = append(out.Data, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, eris.Wrap(err, "postgres: iterate records")
	}

	if len(out.Data) > limit {
		out.Data = out.Data[:limit]
		out.HasMore = true
	}
	return out, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, kind, key string) (model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT kind, key, fields, updated_at FROM records WHERE kind = $1 AND key = $2`,
		kind, key,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, eris.Wrapf(ErrNotFound, "postgres: get %s/%s", kind, key)
	}
	return rec, err
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, rec model.Record) error {
	row, err := s.row(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (kind, key, fields, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, key) DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`,
		row...,
	)
	return eris.Wrapf(err, "postgres: upsert %s/%s", rec.Kind, rec.Key)
}

// UpsertMany implements Store with a single multi-row upsert.
func (s *PostgresStore) UpsertMany(ctx context.Context, recs []model.Record) (int64, error) {
	recs = dedupe(recs)
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		row, err := s.row(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        recordsTable,
		Columns:      []string{"kind", "key", "fields", "updated_at"},
		ConflictKeys: []string{"kind", "key"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert batch")
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM records WHERE ($1 = '' OR kind = $1)`, kind).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) row(rec model.Record) ([]any, error) {
	if rec.Kind == "" || rec.Key == "" {
		return nil, eris.New("postgres: record requires kind and key")
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: marshal fields for %s/%s", rec.Kind, rec.Key)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.nowFunc().UTC()
	}
	return []any{rec.Kind, rec.Key, raw, updated}, nil
}

func scanRecord(row pgx.Row) (model.Record, error) {
	var (
		rec model.Record
		raw []byte
	)
	if err := row.Scan(&rec.Kind, &rec.Key, &raw, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, err
		}
		return model.Record{}, eris.Wrap(err, "postgres: scan record")
	}
	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return model.Record{}, eris.Wrapf(err, "postgres: decode fields for %s/%s", rec.Kind, rec.Key)
	}
	return rec, nil
}
