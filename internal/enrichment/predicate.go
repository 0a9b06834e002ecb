package enrichment

import (
	"github.com/sells-group/chainsync/internal/model"
)

// Predicate reports whether a record still carries placeholder data.
type Predicate func(rec model.Record) bool

// SentinelPredicate marks a record incomplete when any of fields is missing,
// empty, or equal to the record's own key (the fallback written when the
// real value was unavailable at ingestion time). With no fields it matches
// nothing.
func SentinelPredicate(fields ...string) Predicate {
	return func(rec model.Record) bool {
		for _, f := range fields {
			v := rec.Field(f)
			if v == "" || v == rec.Key {
				return true
			}
		}
		return false
	}
}

// Any combines predicates; a record is incomplete if any of them says so.
func Any(preds ...Predicate) Predicate {
	return func(rec model.Record) bool {
		for _, p := range preds {
			if p != nil && p(rec) {
				return true
			}
		}
		return false
	}
}
