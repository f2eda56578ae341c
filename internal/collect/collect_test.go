package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/edgar"
	"github.com/sells-group/filing-facts/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakePortfolio struct {
	subs    []*edgar.Submission
	err     error
	query   edgar.Query
	deleted bool
}

func (f *fakePortfolio) DownloadSubmissions(_ context.Context, q edgar.Query) ([]*edgar.Submission, error) {
	f.query = q
	return f.subs, f.err
}

func (f *fakePortfolio) Delete() error {
	f.deleted = true
	return nil
}

func proposalDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	r, err := dataset.Load("")
	require.NoError(t, err)
	ds, err := r.Get("proposal_results")
	require.NoError(t, err)
	return ds
}

// writeSubmission lays out a downloaded submission the way edgar.Portfolio does.
func writeSubmission(t *testing.T, root, accession, header string, docs map[string]string) *edgar.Submission {
	t.Helper()
	dir := filepath.Join(root, accession)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	sub := &edgar.Submission{Accession: accession, Dir: dir}
	if header != "" {
		require.NoError(t, os.WriteFile(sub.HeaderPath(), []byte(header), 0o644))
	}
	for name, body := range docs {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		sub.Documents = append(sub.Documents, &edgar.Document{Type: "8-K", Filename: name, Path: path})
	}
	return sub
}

func header(accession, date string, ciks ...string) string {
	h := "<SEC-HEADER>x\n<ACCESSION-NUMBER>" + accession + "\n<FILING-DATE>" + date + "\n"
	for _, cik := range ciks {
		h += "<FILER>\n<COMPANY-DATA>\n<CIK>" + cik + "\n</COMPANY-DATA>\n</FILER>\n"
	}
	return h + "</SEC-HEADER>\n"
}

const voteHTML = `<html><body>
<p>Item 5.07 Submission of Matters to a Vote of Security Holders.</p>
<p>Proposal 1 passed with 1,000 votes for.</p>
<p>Item 9.01 Financial Statements and Exhibits.</p>
</body></html>`

func june() model.Window {
	return model.Window{
		Start: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2021, 6, 30, 0, 0, 0, 0, time.UTC),
	}
}

func TestCollect_BuildsRows(t *testing.T) {
	root := t.TempDir()
	sub := writeSubmission(t, root, "0000320193-21-000066",
		header("0000320193-21-000066", "20210608", "0000320193"),
		map[string]string{"d8k.htm": voteHTML})

	p := &fakePortfolio{subs: []*edgar.Submission{sub}}
	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), p)
	require.NoError(t, err)

	assert.Equal(t, []string{"8-K", "8-K/A"}, p.query.Forms)
	assert.Equal(t, []string{"5.07"}, p.query.Items)
	assert.Equal(t, june().Start, p.query.Start)

	assert.Equal(t, 1, res.Submissions)
	assert.Equal(t, 0, res.Discarded)
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "0000320193-21-000066", row.EntryID)
	assert.Equal(t, "0000320193-21-000066", row.Accession)
	assert.Equal(t, "0000320193", row.CIK)
	assert.Equal(t, "2021-06-08", row.FilingDate)
	assert.Contains(t, row.Text, "Proposal 1 passed")
	assert.NotContains(t, row.Text, "Item 9.01")
}

func TestCollect_OneRowPerOccurrence(t *testing.T) {
	html := `<p>Item 5.07 Annual Meeting</p><p>Results A.</p>
<p>Item 5.07 Special Meeting</p><p>Results B.</p>`
	sub := writeSubmission(t, t.TempDir(), "0000000001-21-000001",
		header("0000000001-21-000001", "20210601", "1"),
		map[string]string{"a.htm": html})

	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), &fakePortfolio{subs: []*edgar.Submission{sub}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "0000000001-21-000001", res.Rows[0].EntryID)
	assert.Equal(t, "0000000001-21-000001#2", res.Rows[1].EntryID)
	assert.Equal(t, res.Rows[0].Accession, res.Rows[1].Accession)
	assert.Contains(t, res.Rows[1].Text, "Results B.")
}

func TestCollect_MultipleFilersUseFirst(t *testing.T) {
	sub := writeSubmission(t, t.TempDir(), "0000000002-21-000002",
		header("0000000002-21-000002", "20210602", "0000001111", "0000002222"),
		map[string]string{"a.htm": voteHTML})

	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), &fakePortfolio{subs: []*edgar.Submission{sub}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "0000001111", res.Rows[0].CIK)
}

func TestCollect_PartialFailuresCounted(t *testing.T) {
	root := t.TempDir()
	good := writeSubmission(t, root, "0000000003-21-000003",
		header("0000000003-21-000003", "20210603", "3"),
		map[string]string{"a.htm": voteHTML})
	noHeader := writeSubmission(t, root, "0000000004-21-000004", "", map[string]string{"a.htm": voteHTML})
	failed := &edgar.Submission{Accession: "0000000005-21-000005", Err: errors.New("download failed")}
	missingDoc := writeSubmission(t, root, "0000000006-21-000006",
		header("0000000006-21-000006", "20210606", "6"), nil)
	missingDoc.Documents = []*edgar.Document{{Type: "8-K", Filename: "gone.htm", Path: filepath.Join(root, "gone.htm")}}

	p := &fakePortfolio{subs: []*edgar.Submission{good, noHeader, failed, missingDoc}}
	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), p)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Submissions)
	assert.Equal(t, 3, res.Discarded)
	assert.Equal(t, 1, res.Unreachable)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "0000000003-21-000003", res.Rows[0].Accession)
}

func TestCollect_IgnoresIneligibleDocuments(t *testing.T) {
	root := t.TempDir()
	sub := writeSubmission(t, root, "0000000007-21-000007",
		header("0000000007-21-000007", "20210607", "7"),
		map[string]string{"ex99.htm": voteHTML, "filing.txt": "Item 5.07 Vote\nPassed."})
	for _, d := range sub.Documents {
		if d.Filename == "ex99.htm" {
			d.Type = "EX-99.1"
		}
	}

	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), &fakePortfolio{subs: []*edgar.Submission{sub}})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 0, res.Discarded)
}

func TestCollect_EmptyWindow(t *testing.T) {
	res, err := New(proposalDataset(t)).Collect(context.Background(), june(), &fakePortfolio{})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, 0, res.Submissions)
}

func TestCollect_DownloadError(t *testing.T) {
	p := &fakePortfolio{err: errors.New("efts unavailable")}
	_, err := New(proposalDataset(t)).Collect(context.Background(), june(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collect: window 2021-06-01..2021-06-30")
}

func TestCollect_Cancelled(t *testing.T) {
	sub := writeSubmission(t, t.TempDir(), "0000000008-21-000008",
		header("0000000008-21-000008", "20210608", "8"),
		map[string]string{"a.htm": voteHTML})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(proposalDataset(t)).Collect(ctx, june(), &fakePortfolio{subs: []*edgar.Submission{sub}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
