package model

import (
	"slices"
)

// Identity column names, always the first columns of a MergedRow.
const (
	ColumnAccession  = "accession"
	ColumnCIK        = "cik"
	ColumnFilingDate = "filing_date"

	// ColumnID is the provenance column of raw extraction results.
	ColumnID = "_id"
	// ColumnStatus marks a raw result row as a record or a failed entry.
	ColumnStatus = "_status"
)

// IdentityColumns lists the identifier columns in their persisted order.
var IdentityColumns = []string{ColumnAccession, ColumnCIK, ColumnFilingDate}

// ExtractedRecord is one schema-shaped record returned by the extraction
// gateway. ID is the entry id of the CandidateRow it was extracted from.
type ExtractedRecord struct {
	ID     string
	Values map[string]string
}

// MergedRow is an accepted record joined with its filing metadata. Values are
// aligned with the owning Table's Columns.
type MergedRow []string

// Table is the ordered, column-aligned content of the accumulation store.
type Table struct {
	Columns []string
	Rows    []MergedRow
}

// NewTable returns an empty table with the given header.
func NewTable(columns []string) *Table {
	return &Table{Columns: slices.Clone(columns)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	return slices.Index(t.Columns, name)
}

// Accessions returns the set of accession numbers present in the table.
func (t *Table) Accessions() map[string]bool {
	seen := make(map[string]bool)
	if t == nil {
		return seen
	}
	idx := t.Index(ColumnAccession)
	if idx < 0 {
		return seen
	}
	for _, r := range t.Rows {
		if idx < len(r) {
			seen[r[idx]] = true
		}
	}
	return seen
}
