// Package accumulate persists the growing dataset as a gzip-compressed CSV
// with every field quoted, and writes the per-window scratch files.
package accumulate

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/model"
)

// Store is the on-disk accumulation file of one dataset.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the store's file path.
func (s *Store) Path() string { return s.path }

// Load reads the store. A missing file yields an empty table with no
// columns.
func (s *Store) Load() (*model.Table, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &model.Table{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: open %s", s.path)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: gzip %s", s.path)
	}
	defer gz.Close() //nolint:errcheck

	r := csv.NewReader(gz)
	header, err := r.Read()
	if err == io.EOF {
		return &model.Table{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "accumulate: read header %s", s.path)
	}

	t := model.NewTable(header)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "accumulate: read %s", s.path)
		}
		t.Rows = append(t.Rows, model.MergedRow(rec))
	}
	return t, nil
}

// ExtendAndSave appends rows to existing and atomically replaces the store
// with the result. On error the previous file is left untouched. existing
// must carry the columns, see model.NewTable.
func (s *Store) ExtendAndSave(existing *model.Table, rows []model.MergedRow) (*model.Table, error) {
	if existing == nil || len(existing.Columns) == 0 {
		return nil, eris.New("accumulate: table has no columns")
	}
	width := len(existing.Columns)
	for i, r := range rows {
		if len(r) != width {
			return nil, eris.Errorf("accumulate: row %d has %d fields, want %d", i, len(r), width)
		}
	}

	next := &model.Table{
		Columns: slices.Clone(existing.Columns),
		Rows:    slices.Concat(existing.Rows, rows),
	}
	err := writeAtomic(s.path, func(w io.Writer) error {
		return writeQuoted(w, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

var quoteEscaper = strings.NewReplacer(`"`, `""`, "\r\n", "\n")

// writeQuoted writes t as CSV with every field quoted and "\n" line endings.
func writeQuoted(w io.Writer, t *model.Table) error {
	var b strings.Builder
	line := func(fields []string) error {
		b.Reset()
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('"')
			quoteEscaper.WriteString(&b, f) //nolint:errcheck
			b.WriteByte('"')
		}
		b.WriteByte('\n')
		_, err := io.WriteString(w, b.String())
		return err
	}

	if err := line(t.Columns); err != nil {
		return err
	}
	for _, r := range t.Rows {
		if err := line(r); err != nil {
			return err
		}
	}
	return nil
}

// writeAtomic gzips the output of write into a temp file next to path, syncs
// it and renames it over path. The temp file is removed on any error.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "accumulate: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "accumulate: create temp for %s", path)
	}
	defer func() {
		if err != nil {
			tmp.Close()           //nolint:errcheck
			os.Remove(tmp.Name()) //nolint:errcheck
		}
	}()

	// Zero header fields keep the output byte-for-byte reproducible.
	gz := gzip.NewWriter(tmp)
	if err = write(gz); err != nil {
		return eris.Wrapf(err, "accumulate: write %s", path)
	}
	if err = gz.Close(); err != nil {
		return eris.Wrapf(err, "accumulate: gzip %s", path)
	}
	if err = tmp.Sync(); err != nil {
		return eris.Wrapf(err, "accumulate: sync %s", path)
	}
	if err = tmp.Close(); err != nil {
		return eris.Wrapf(err, "accumulate: close %s", path)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return eris.Wrapf(err, "accumulate: chmod %s", path)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "accumulate: rename into %s", path)
	}
	return nil
}
