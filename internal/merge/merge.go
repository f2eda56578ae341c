// Package merge joins extraction records with their candidate rows and
// applies the primary-signal gate.
package merge

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/model"
)

// Columns returns the persisted header for schema: the identity columns
// followed by the schema fields in declaration order.
func Columns(schema dataset.Schema) []string {
	return append(slices.Clone(model.IdentityColumns), schema.Names()...)
}

// Lookup indexes candidate rows by entry id.
func Lookup(rows []model.CandidateRow) map[string]model.CandidateRow {
	out := make(map[string]model.CandidateRow, len(rows))
	for _, r := range rows {
		out[r.EntryID] = r
	}
	return out
}

// Merge keeps the records whose primary field is non-blank and whose id
// resolves in lookup, and renders them as rows aligned with Columns(schema).
// Output is ordered by entry id, then by input order.
func Merge(records []model.ExtractedRecord, lookup map[string]model.CandidateRow, schema dataset.Schema) []model.MergedRow {
	type keyed struct {
		id  string
		row model.MergedRow
	}

	kept := make([]keyed, 0, len(records))
	for _, rec := range records {
		if strings.TrimSpace(rec.Values[schema.Primary]) == "" {
			continue
		}
		cand, ok := lookup[rec.ID]
		if !ok {
			zap.L().Debug("merge: dropping record with unknown id", zap.String("id", rec.ID))
			continue
		}

		row := make(model.MergedRow, 0, len(model.IdentityColumns)+len(schema.Fields))
		row = append(row, cand.Accession, cand.CIK, cand.FilingDate)
		for _, f := range schema.Fields {
			row = append(row, strings.TrimSpace(rec.Values[f.Name]))
		}
		kept = append(kept, keyed{id: rec.ID, row: row})
	}

	slices.SortStableFunc(kept, func(a, b keyed) int {
		return strings.Compare(a.id, b.id)
	})

	out := make([]model.MergedRow, len(kept))
	for i, k := range kept {
		out[i] = k.row
	}
	return out
}
