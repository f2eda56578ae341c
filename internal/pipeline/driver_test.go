package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/accumulate"
	"github.com/sells-group/filing-facts/internal/collect"
	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/edgar"
	"github.com/sells-group/filing-facts/internal/extract"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/progress"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	jan = "2020-01-01..2020-01-31"
	feb = "2020-02-01..2020-02-29"
	mar = "2020-03-01..2020-03-31"
)

func testDataset() *dataset.Dataset {
	return &dataset.Dataset{
		Name:         "dividends",
		Prompt:       "Find dividends.",
		PrimaryField: "dividend_per_share",
		Fields:       []dataset.Field{{Name: "dividend_per_share", Type: dataset.TypeNumber}},
	}
}

func cand(acc, text string) model.CandidateRow {
	return model.CandidateRow{EntryID: acc, Accession: acc, CIK: "1", FilingDate: "2020-01-05", Text: text}
}

type fakePortfolio struct {
	dir     string
	deleted bool
}

func (p *fakePortfolio) DownloadSubmissions(context.Context, edgar.Query) ([]*edgar.Submission, error) {
	return nil, nil
}

func (p *fakePortfolio) Delete() error {
	p.deleted = true
	return os.RemoveAll(p.dir)
}

type fakeCollector struct {
	rows        map[string][]model.CandidateRow
	errs        map[string]error
	unreachable map[string]int
	calls       []string
}

func (c *fakeCollector) Collect(_ context.Context, w model.Window, p collect.Portfolio) (*collect.Result, error) {
	c.calls = append(c.calls, w.Key())
	if err := c.errs[w.Key()]; err != nil {
		return nil, err
	}
	// Simulate downloaded filings so cleanup has something to remove.
	fp := p.(*fakePortfolio)
	if err := os.MkdirAll(fp.dir, 0o755); err != nil {
		return nil, err
	}
	lost := c.unreachable[w.Key()]
	return &collect.Result{
		Rows:        c.rows[w.Key()],
		Submissions: len(c.rows[w.Key()]) + lost,
		Discarded:   lost,
		Unreachable: lost,
	}, nil
}

// fakeGateway echoes each entry's text as the primary field. Text "blank"
// yields a whitespace primary value. Entries in fail are reported failed.
// An entry with id cancelOn cancels the run instead.
type fakeGateway struct {
	cancelOn string
	cancel   context.CancelFunc
	fail     map[string]bool
	calls    int
}

func (g *fakeGateway) Extract(ctx context.Context, entries []extract.Entry, schema dataset.Schema, _ string, _ extract.Config) (*extract.Result, error) {
	g.calls++
	res := &extract.Result{}
	for _, e := range entries {
		if e.ID == g.cancelOn && g.cancel != nil {
			g.cancel()
			return nil, eris.Wrap(ctx.Err(), "extract: cancelled")
		}
		if g.fail[e.ID] {
			res.Failed = append(res.Failed, e.ID)
			continue
		}
		v := e.Text
		if v == "blank" {
			v = "   "
		}
		res.Records = append(res.Records, model.ExtractedRecord{ID: e.ID, Values: map[string]string{schema.Primary: v}})
		res.Usage.InputTokens += 10
	}
	return res, nil
}

type harness struct {
	dir        string
	store      *accumulate.Store
	ledger     *progress.Ledger
	mu         sync.Mutex
	portfolios []*fakePortfolio
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{dir: dir, store: accumulate.NewStore(filepath.Join(dir, "out", "dividends.csv.gz"))}
	h.ledger = h.openLedger(t, "progress.db")
	return h
}

func (h *harness) openLedger(t *testing.T, name string) *progress.Ledger {
	t.Helper()
	l, err := progress.Open(context.Background(), filepath.Join(h.dir, name))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func (h *harness) driver(c Collector, g extract.Gateway, st Store) *Driver {
	if st == nil {
		st = h.store
	}
	return New(testDataset(), Deps{
		Collector: c,
		Portfolio: func(dir string) collect.Portfolio {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := &fakePortfolio{dir: dir}
			h.portfolios = append(h.portfolios, p)
			return p
		},
		Gateway:       g,
		GatewayConfig: extract.Config{Model: "m"},
		Store:         st,
		Ledger:        h.ledger,
		WorkDir:       filepath.Join(h.dir, "work"),
	})
}

func day(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

func (h *harness) rows(t *testing.T) []model.MergedRow {
	t.Helper()
	tbl, err := h.store.Load()
	require.NoError(t, err)
	return tbl.Rows
}

func TestDriver_Run(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{
		rows: map[string][]model.CandidateRow{
			jan: {cand("a1", "0.10"), cand("a2", "blank")},
			feb: nil,
		},
		errs: map[string]error{mar: errors.New("efts unavailable")},
	}

	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-03-31"))
	require.NoError(t, err)

	assert.Equal(t, Summary{
		Windows: 3, Empty: 1, Failed: 1, Candidates: 2, Records: 2, Rows: 1,
		Usage: sum.Usage,
	}, *sum)
	assert.Equal(t, int64(20), sum.Usage.InputTokens)
	assert.Equal(t, []string{jan, feb, mar}, c.calls)
	assert.Equal(t, []model.MergedRow{{"a1", "1", "2020-01-05", "0.10"}}, h.rows(t))

	done, err := h.ledger.Completed(context.Background(), "dividends", h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{jan: true, feb: true}, done)

	// Cleanup ran for the persisted, empty and failed windows.
	require.Len(t, h.portfolios, 3)
	for _, p := range h.portfolios {
		assert.True(t, p.deleted)
		_, statErr := os.Stat(filepath.Dir(p.dir))
		assert.True(t, os.IsNotExist(statErr), "work dir %s not removed", filepath.Dir(p.dir))
	}
}

func TestDriver_EmptyRangeDoesNothing(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{}

	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-03-01"), day("2020-01-01"))
	require.NoError(t, err)
	assert.Zero(t, sum.Windows)
	assert.Empty(t, c.calls)
	_, statErr := os.Stat(h.store.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDriver_ResumeSkipsCompletedWindows(t *testing.T) {
	h := newHarness(t)
	rows := map[string][]model.CandidateRow{
		jan: {cand("a1", "0.10")},
		feb: {cand("b1", "0.20")},
		mar: {cand("c1", "0.30")},
	}

	_, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.NoError(t, err)

	c := &fakeCollector{rows: rows}
	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-03-31"))
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, []string{mar}, c.calls)
	require.Len(t, h.rows(t), 3)
	assert.Equal(t, "c1", h.rows(t)[2][0])
}

func TestDriver_InterruptedRunMatchesUninterrupted(t *testing.T) {
	rows := map[string][]model.CandidateRow{
		jan: {cand("a1", "0.10")},
		feb: {cand("b1", "0.20"), cand("b2", "0.25")},
		mar: {cand("c1", "0.30")},
	}

	full := newHarness(t)
	_, err := full.driver(&fakeCollector{rows: rows}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-03-31"))
	require.NoError(t, err)
	want, err := os.ReadFile(full.store.Path())
	require.NoError(t, err)

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = h.driver(&fakeCollector{rows: rows}, &fakeGateway{cancelOn: "b1", cancel: cancel}, nil).
		Run(ctx, day("2020-01-01"), day("2020-03-31"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []model.MergedRow{{"a1", "1", "2020-01-05", "0.10"}}, h.rows(t))

	c := &fakeCollector{rows: rows}
	_, err = h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-03-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{feb, mar}, c.calls)

	got, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	runs, err := h.ledger.Runs(context.Background(), "dividends", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	statuses := []progress.RunStatus{runs[0].Status, runs[1].Status}
	assert.ElementsMatch(t, []progress.RunStatus{progress.RunStatusInterrupted, progress.RunStatusComplete}, statuses)
}

func TestDriver_DedupWithoutLedger(t *testing.T) {
	h := newHarness(t)
	rows := map[string][]model.CandidateRow{jan: {cand("a1", "0.10")}}

	_, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	before, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)

	// A fresh ledger forgets the window; the stored accession still blocks it.
	h.ledger = h.openLedger(t, "other.db")
	sum, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Zero(t, sum.Rows)

	after, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDriver_LedgerResetWhenStoreRemoved(t *testing.T) {
	h := newHarness(t)
	rows := map[string][]model.CandidateRow{jan: {cand("a1", "0.10")}}

	_, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(h.store.Path()))

	c := &fakeCollector{rows: rows}
	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Zero(t, sum.Skipped)
	assert.Equal(t, []string{jan}, c.calls)
	assert.Len(t, h.rows(t), 1)
}

type failingStore struct {
	*accumulate.Store
}

func (failingStore) ExtendAndSave(*model.Table, []model.MergedRow) (*model.Table, error) {
	return nil, errors.New("disk full")
}

func TestDriver_PersistErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{rows: map[string][]model.CandidateRow{
		jan: {cand("a1", "0.10")},
		feb: {cand("b1", "0.20")},
	}}

	_, err := h.driver(c, &fakeGateway{}, failingStore{h.store}).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist window "+jan)
	assert.Equal(t, []string{jan}, c.calls)

	require.Len(t, h.portfolios, 1)
	assert.True(t, h.portfolios[0].deleted)

	done, err := h.ledger.Completed(context.Background(), "dividends", h.store.Path())
	require.NoError(t, err)
	assert.Empty(t, done)

	runs, err := h.ledger.Runs(context.Background(), "dividends", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, progress.RunStatusFailed, runs[0].Status)
}

func TestDriver_ColumnMismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.ExtendAndSave(model.NewTable([]string{"accession", "cik", "filing_date", "other"}), nil)
	require.NoError(t, err)

	_, err = h.driver(&fakeCollector{}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects")
}

func TestDriver_LoadError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.store.Path()), 0o755))
	require.NoError(t, os.WriteFile(h.store.Path(), []byte("not gzip"), 0o644))

	_, err := h.driver(&fakeCollector{}, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load store")
}

func TestDriver_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &fakeCollector{}
	_, err := h.driver(c, &fakeGateway{}, nil).Run(ctx, day("2020-01-01"), day("2020-01-31"))
	require.Error(t, err)
	assert.Empty(t, c.calls)
}

func TestDropAccessions(t *testing.T) {
	rows := []model.MergedRow{{"a", "1"}, {"b", "2"}, {"a", "3"}}

	kept, n := dropAccessions(rows, map[string]bool{"a": true})
	assert.Equal(t, []model.MergedRow{{"b", "2"}}, kept)
	assert.Equal(t, 2, n)

	kept, n = dropAccessions(rows, nil)
	assert.Equal(t, rows, kept)
	assert.Zero(t, n)
}

func (h *harness) completed(t *testing.T) map[string]bool {
	t.Helper()
	done, err := h.ledger.Completed(context.Background(), "dividends", h.store.Path())
	require.NoError(t, err)
	return done
}

func TestDriver_UnreachableWindowRetriedNextRun(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{
		rows:        map[string][]model.CandidateRow{jan: {cand("a1", "0.10")}},
		unreachable: map[string]int{feb: 40},
	}

	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Zero(t, sum.Empty)
	assert.Equal(t, 40, sum.Discarded)
	assert.Equal(t, map[string]bool{jan: true}, h.completed(t))

	// The filings are reachable again.
	c = &fakeCollector{rows: map[string][]model.CandidateRow{
		jan: {cand("a1", "0.10")},
		feb: {cand("b1", "0.20")},
	}}
	sum, err = h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, []string{feb}, c.calls)
	assert.Equal(t, 1, sum.Rows)
	assert.Len(t, h.rows(t), 2)
	assert.Equal(t, map[string]bool{jan: true, feb: true}, h.completed(t))
}

func TestDriver_PartiallyUnreachableWindowPersistsButStaysOpen(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{
		rows:        map[string][]model.CandidateRow{jan: {cand("a1", "0.10")}},
		unreachable: map[string]int{jan: 2},
	}

	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Incomplete)
	assert.Equal(t, 1, sum.Rows)
	assert.Empty(t, h.completed(t))

	c = &fakeCollector{rows: map[string][]model.CandidateRow{jan: {cand("a1", "0.10"), cand("a2", "0.15")}}}
	sum, err = h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{jan}, c.calls)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, 1, sum.Rows)
	assert.Len(t, h.rows(t), 2)
	assert.Equal(t, map[string]bool{jan: true}, h.completed(t))
}

func TestDriver_FailedEntriesWithholdAccessionUntilRetry(t *testing.T) {
	h := newHarness(t)
	second := cand("a1", "0.11")
	second.EntryID = "a1#2"
	rows := map[string][]model.CandidateRow{jan: {cand("a1", "0.10"), second, cand("b1", "0.20")}}

	sum, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{fail: map[string]bool{"a1#2": true}}, nil).
		Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ExtractFailed)
	assert.Equal(t, 1, sum.Incomplete)
	assert.Equal(t, []model.MergedRow{{"b1", "1", "2020-01-05", "0.20"}}, h.rows(t))
	assert.Empty(t, h.completed(t))

	c := &fakeCollector{rows: rows}
	sum, err = h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{jan}, c.calls)
	assert.Equal(t, 2, sum.Rows)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Equal(t, []model.MergedRow{
		{"b1", "1", "2020-01-05", "0.20"},
		{"a1", "1", "2020-01-05", "0.10"},
		{"a1", "1", "2020-01-05", "0.11"},
	}, h.rows(t))
	assert.Equal(t, map[string]bool{jan: true}, h.completed(t))
}

func TestDriver_ResumesExtractedWindowAfterPersistFailure(t *testing.T) {
	h := newHarness(t)
	rows := map[string][]model.CandidateRow{jan: {cand("a1", "0.10"), cand("a2", "0.20")}}

	_, err := h.driver(&fakeCollector{rows: rows}, &fakeGateway{}, failingStore{h.store}).
		Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.Error(t, err)

	scratch := filepath.Join(h.dir, "work", "dividends", jan)
	assert.FileExists(t, filepath.Join(scratch, accumulate.ResultsFile))
	assert.NoDirExists(t, filepath.Join(scratch, "filings"))

	c := &fakeCollector{}
	g := &fakeGateway{}
	sum, err := h.driver(c, g, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Empty(t, c.calls)
	assert.Zero(t, g.calls)
	assert.Equal(t, 1, sum.Resumed)
	assert.Equal(t, 2, sum.Rows)
	assert.Equal(t, []model.MergedRow{
		{"a1", "1", "2020-01-05", "0.10"},
		{"a2", "1", "2020-01-05", "0.20"},
	}, h.rows(t))
	assert.Equal(t, map[string]bool{jan: true}, h.completed(t))
	assert.NoDirExists(t, scratch)
}

func TestDriver_UnreadableScratchCollectsAgain(t *testing.T) {
	h := newHarness(t)
	scratch := filepath.Join(h.dir, "work", "dividends", jan)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, accumulate.ResultsFile), []byte("truncated"), 0o644))

	c := &fakeCollector{rows: map[string][]model.CandidateRow{jan: {cand("a1", "0.10")}}}
	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-01-31"))
	require.NoError(t, err)
	assert.Equal(t, []string{jan}, c.calls)
	assert.Zero(t, sum.Resumed)
	assert.Len(t, h.rows(t), 1)
}

func TestDriver_EmptyWindowsCreateStore(t *testing.T) {
	h := newHarness(t)
	c := &fakeCollector{}

	sum, err := h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Empty)

	tbl, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"accession", "cik", "filing_date", "dividend_per_share"}, tbl.Columns)
	assert.Empty(t, tbl.Rows)

	c = &fakeCollector{}
	sum, err = h.driver(c, &fakeGateway{}, nil).Run(context.Background(), day("2020-01-01"), day("2020-02-29"))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Skipped)
	assert.Empty(t, c.calls)
}
