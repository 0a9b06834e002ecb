package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "chainsync.records",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_Validation(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "chainsync.records",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "chainsync.records",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "chainsync.records",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values")
}

func TestBuildUpsert(t *testing.T) {
	query, args := buildUpsert(UpsertConfig{
		Table:        "chainsync.records",
		Columns:      []string{"kind", "key", "fields"},
		ConflictKeys: []string{"kind", "key"},
	}, [][]any{{"account", "a", "{}"}, {"account", "b", "{}"}})

	assert.Equal(t,
		`INSERT INTO "chainsync"."records" ("kind", "key", "fields") VALUES ($1, $2, $3), ($4, $5, $6) `+
			`ON CONFLICT ("kind", "key") DO UPDATE SET "fields" = EXCLUDED."fields"`,
		query)
	assert.Equal(t, []any{"account", "a", "{}", "account", "b", "{}"}, args)
}

func TestBulkUpsert_Exec(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "records"`).
		WithArgs("account", "a", "{}").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "records",
		Columns:      []string{"kind", "key", "fields"},
		ConflictKeys: []string{"kind", "key"},
	}, [][]any{{"account", "a", "{}"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"chainsync.records", `"chainsync"."records"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
