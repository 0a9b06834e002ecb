package model

import (
	"fmt"
	"time"
)

// AccountType names a decoded on-chain account layout.
type AccountType string

// Record is a unit of synchronized state held in the local store. Fields
// carry whatever the ingestion pipeline decoded; enrichment fills gaps.
type Record struct {
	Kind      string         `json:"kind"`
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Field returns the named field as a string, or "" when absent or nil.
func (r Record) Field(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Merge returns a copy of r with fields overlaid by update. Keys in update
// win; keys only in r are kept.
func (r Record) Merge(update map[string]any) Record {
	merged := make(map[string]any, len(r.Fields)+len(update))
	for k, v := range r.Fields {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	out := r
	out.Fields = merged
	return out
}
