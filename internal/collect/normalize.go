package collect

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/model"
)

// First returns the first element if v is a sequence, else v unchanged.
// Malformed SGML headers repeat scalar tags, which the parser turns into lists.
func First(v any) any {
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

// AsList wraps a non-sequence value in a one-element list. A company name
// change turns the single filer record into a list of filer records.
func AsList(v any) []any {
	if v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// lookup walks nested header maps by key.
func lookup(v any, keys ...string) (any, error) {
	cur := v
	for _, k := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, eris.Errorf("collect: %q is not a section", k)
		}
		next, ok := m[k]
		if !ok {
			return nil, eris.Errorf("collect: missing %q", k)
		}
		cur = next
	}
	return cur, nil
}

// scalar normalizes a header value to a trimmed, non-empty string.
func scalar(v any, name string) (string, error) {
	v = First(v)
	s, ok := v.(string)
	if !ok {
		return "", eris.Errorf("collect: %s is %T, want string", name, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", eris.Errorf("collect: %s is empty", name)
	}
	return s, nil
}

// normalizeDate accepts SGML ("20210608") and ISO ("2021-06-08") dates.
func normalizeDate(s string) (string, error) {
	for _, layout := range []string{"20060102", model.DateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(model.DateLayout), nil
		}
	}
	return "", eris.Errorf("collect: unrecognized filing date %q", s)
}

// metadata holds the identity of a submission read from its header.
type metadata struct {
	Accession  string
	CIK        string
	FilingDate string
}

func parseMetadata(hdr map[string]any) (metadata, error) {
	var md metadata

	acc, ok := hdr["accession-number"]
	if !ok {
		return md, eris.New("collect: missing accession-number")
	}
	s, err := scalar(acc, "accession-number")
	if err != nil {
		return md, err
	}
	md.Accession = s

	fd, ok := hdr["filing-date"]
	if !ok {
		return md, eris.New("collect: missing filing-date")
	}
	s, err = scalar(fd, "filing-date")
	if err != nil {
		return md, err
	}
	if md.FilingDate, err = normalizeDate(s); err != nil {
		return md, err
	}

	filers := AsList(hdr["filer"])
	if len(filers) == 0 {
		return md, eris.New("collect: missing filer")
	}
	cik, err := lookup(filers[0], "company-data", "cik")
	if err != nil {
		return md, eris.Wrap(err, "collect: filer cik")
	}
	if md.CIK, err = scalar(cik, "cik"); err != nil {
		return md, err
	}
	return md, nil
}

// entryID gives the n-th section found in an accession (1-based) a unique id.
func entryID(accession string, n int) string {
	if n <= 1 {
		return accession
	}
	return fmt.Sprintf("%s#%d", accession, n)
}
