package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecord_Field(t *testing.T) {
	r := Record{Fields: map[string]any{"owner": "abc", "lamports": 42, "empty": nil}}

	assert.Equal(t, "abc", r.Field("owner"))
	assert.Equal(t, "42", r.Field("lamports"))
	assert.Equal(t, "", r.Field("empty"))
	assert.Equal(t, "", r.Field("missing"))
}

func TestRecord_Merge(t *testing.T) {
	r := Record{Kind: "account", Key: "k", Fields: map[string]any{"owner": "k", "name": "pool"}}

	merged := r.Merge(map[string]any{"owner": "prog", "lamports": 10})

	assert.Equal(t, "prog", merged.Fields["owner"])
	assert.Equal(t, "pool", merged.Fields["name"])
	assert.Equal(t, 10, merged.Fields["lamports"])
	// Original is untouched.
	assert.Equal(t, "k", r.Fields["owner"])
	assert.NotContains(t, r.Fields, "lamports")
}
