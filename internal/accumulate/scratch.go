package accumulate

import (
	"compress/gzip"
	"encoding/csv"
	"io"
	"os"
	"slices"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/model"
)

// Scratch file names inside a window's work directory.
const (
	EntriesFile = "entries.csv.gz"
	ResultsFile = "results.csv.gz"
)

// WriteEntries writes a window's candidate rows.
func WriteEntries(path string, rows []model.CandidateRow) error {
	return writeAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		enc := csvutil.NewEncoder(cw)
		if len(rows) == 0 {
			if err := enc.EncodeHeader(model.CandidateRow{}); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadEntries reads a file written by WriteEntries.
func ReadEntries(path string) ([]model.CandidateRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: gzip %s", path)
	}
	defer gz.Close() //nolint:errcheck

	dec, err := csvutil.NewDecoder(csv.NewReader(gz))
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: read header %s", path)
	}

	var rows []model.CandidateRow
	if err := dec.Decode(&rows); err != nil && err != io.EOF {
		return nil, eris.Wrapf(err, "accumulate: decode %s", path)
	}
	return rows, nil
}

// Result statuses in the results file.
const (
	statusOK     = "ok"
	statusFailed = "failed"
)

// WriteResults writes raw extraction output: one row per record, then one
// row per entry that failed extraction. Columns are the provenance id, the
// status, then the schema fields.
func WriteResults(path string, records []model.ExtractedRecord, failed []string, schema dataset.Schema) error {
	names := schema.Names()
	return writeAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(resultsHeader(names)); err != nil {
			return err
		}
		row := make([]string, len(names)+2)
		for _, rec := range records {
			row[0], row[1] = rec.ID, statusOK
			for i, n := range names {
				row[i+2] = rec.Values[n]
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		for _, id := range failed {
			if err := cw.Write(append([]string{id, statusFailed}, make([]string, len(names))...)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

// ReadResults reads a file written by WriteResults for the same schema.
func ReadResults(path string, schema dataset.Schema) ([]model.ExtractedRecord, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "accumulate: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "accumulate: gzip %s", path)
	}
	defer gz.Close() //nolint:errcheck

	all, err := csv.NewReader(gz).ReadAll()
	if err != nil {
		return nil, nil, eris.Wrapf(err, "accumulate: read %s", path)
	}
	names := schema.Names()
	if len(all) == 0 || !slices.Equal(all[0], resultsHeader(names)) {
		return nil, nil, eris.Errorf("accumulate: %s does not match the dataset schema", path)
	}

	var records []model.ExtractedRecord
	var failed []string
	for _, row := range all[1:] {
		switch row[1] {
		case statusOK:
			values := make(map[string]string, len(names))
			for i, n := range names {
				values[n] = row[i+2]
			}
			records = append(records, model.ExtractedRecord{ID: row[0], Values: values})
		case statusFailed:
			failed = append(failed, row[0])
		default:
			return nil, nil, eris.Errorf("accumulate: %s: unknown status %q for %s", path, row[1], row[0])
		}
	}
	return records, failed, nil
}

func resultsHeader(names []string) []string {
	return append([]string{model.ColumnID, model.ColumnStatus}, names...)
}
