// Package pipeline drives the incremental, resumable extraction of a dataset
// one calendar window at a time.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/accumulate"
	"github.com/sells-group/filing-facts/internal/collect"
	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/extract"
	"github.com/sells-group/filing-facts/internal/merge"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/progress"
	"github.com/sells-group/filing-facts/internal/window"
	"github.com/sells-group/filing-facts/pkg/anthropic"
)

// Collector finds the candidate rows of a window.
type Collector interface {
	Collect(ctx context.Context, w model.Window, p collect.Portfolio) (*collect.Result, error)
}

// PortfolioFactory creates the filing workspace for one window in dir.
type PortfolioFactory func(dir string) collect.Portfolio

// Store is the accumulation store.
type Store interface {
	Path() string
	Load() (*model.Table, error)
	ExtendAndSave(existing *model.Table, rows []model.MergedRow) (*model.Table, error)
}

// Ledger records runs and completed windows.
type Ledger interface {
	StartRun(ctx context.Context, dataset, output string, start, end time.Time) (*progress.Run, error)
	FinishRun(ctx context.Context, runID string, status progress.RunStatus, summary any) error
	MarkWindow(ctx context.Context, runID, dataset, output string, w model.Window, status model.WindowStatus, rows int) error
	Completed(ctx context.Context, dataset, output string) (map[string]bool, error)
	Reset(ctx context.Context, dataset, output string) error
}

// Deps are the collaborators of a Driver.
type Deps struct {
	Collector     Collector
	Portfolio     PortfolioFactory
	Gateway       extract.Gateway
	GatewayConfig extract.Config
	Store         Store
	Ledger        Ledger
	WorkDir       string
}

// Summary counts what a run did.
type Summary struct {
	Windows       int                  `json:"windows"`
	Skipped       int                  `json:"skipped"`
	Empty         int                  `json:"empty"`
	Failed        int                  `json:"failed"`
	Candidates    int                  `json:"candidates"`
	Discarded     int                  `json:"discarded"`
	Incomplete    int                  `json:"incomplete"`
	Resumed       int                  `json:"resumed"`
	Records       int                  `json:"records"`
	ExtractFailed int                  `json:"extract_failed"`
	Rows          int                  `json:"rows"`
	Duplicates    int                  `json:"duplicates"`
	Usage         anthropic.TokenUsage `json:"usage"`
}

// Driver runs one dataset over a date range.
type Driver struct {
	ds   *dataset.Dataset
	deps Deps
}

// New creates a Driver for ds.
func New(ds *dataset.Dataset, deps Deps) *Driver {
	return &Driver{ds: ds, deps: deps}
}

// Run processes every window of [start, end] in order, appending accepted
// rows to the store after each window. Windows already recorded in the
// ledger are skipped. Load, persist and gateway failures and cancellation
// end the run with an error; rows persisted before that remain.
func (d *Driver) Run(ctx context.Context, start, end time.Time) (*Summary, error) {
	output := d.deps.Store.Path()
	log := zap.L().With(zap.String("dataset", d.ds.Name), zap.String("output", output))

	tbl, err := d.deps.Store.Load()
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load store")
	}
	columns := merge.Columns(d.ds.Schema())
	fresh := len(tbl.Columns) == 0
	if fresh {
		tbl = model.NewTable(columns)
	} else if !slices.Equal(tbl.Columns, columns) {
		return nil, eris.Errorf("pipeline: %s has columns %v, dataset %s expects %v", output, tbl.Columns, d.ds.Name, columns)
	}

	windows := window.Plan(start, end)
	sum := &Summary{Windows: len(windows)}

	if fresh {
		if err := d.deps.Ledger.Reset(ctx, d.ds.Name, output); err != nil {
			return nil, eris.Wrap(err, "pipeline: reset ledger")
		}
	}
	done, err := d.deps.Ledger.Completed(ctx, d.ds.Name, output)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read ledger")
	}
	run, err := d.deps.Ledger.StartRun(ctx, d.ds.Name, output, start, end)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: start run")
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: starting",
		zap.Int("windows", len(windows)),
		zap.Int("completed", len(done)),
		zap.Int("stored_rows", tbl.Len()),
	)

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			d.finish(run.ID, progress.RunStatusInterrupted, sum, log)
			return sum, eris.Wrap(err, "pipeline: interrupted")
		}
		if done[w.Key()] {
			sum.Skipped++
			log.Debug("pipeline: window already complete", zap.String("window", w.Key()))
			continue
		}

		tbl, err = d.runWindow(ctx, run.ID, w, tbl, sum)
		if err != nil {
			status := progress.RunStatusFailed
			if ctx.Err() != nil {
				status = progress.RunStatusInterrupted
			}
			d.finish(run.ID, status, sum, log)
			return sum, err
		}
	}

	d.finish(run.ID, progress.RunStatusComplete, sum, log)
	sum.Usage.LogCost(d.deps.GatewayConfig.Model, "run", false)
	log.Info("pipeline: complete",
		zap.Int("windows", sum.Windows),
		zap.Int("skipped", sum.Skipped),
		zap.Int("empty", sum.Empty),
		zap.Int("failed", sum.Failed),
		zap.Int("incomplete", sum.Incomplete),
		zap.Int("rows", sum.Rows),
		zap.Int("duplicates", sum.Duplicates),
	)
	return sum, nil
}

// runWindow takes one window through collect, extract, merge and persist,
// and returns the table to carry into the next window. A window is marked
// in the ledger only when nothing in it is left to retry.
func (d *Driver) runWindow(ctx context.Context, runID string, w model.Window, tbl *model.Table, sum *Summary) (*model.Table, error) {
	log := zap.L().With(zap.String("dataset", d.ds.Name), zap.String("window", w.Key()))
	schema := d.ds.Schema()

	dir := filepath.Join(d.deps.WorkDir, d.ds.Name, w.Key())
	portfolio := d.deps.Portfolio(filepath.Join(dir, "filings"))
	// Scratch results outlive the window only when extraction finished but
	// the rows were not persisted, so the next run can skip extraction.
	keep := false
	defer func() { cleanup(portfolio, dir, keep, log) }()

	entries, out, ok := resume(dir, schema, log)
	retry := false
	if ok {
		sum.Resumed++
	} else {
		res, err := d.deps.Collector.Collect(ctx, w, portfolio)
		if err != nil {
			if ctx.Err() != nil {
				return tbl, eris.Wrapf(ctx.Err(), "pipeline: window %s interrupted", w.Key())
			}
			sum.Failed++
			log.Error("pipeline: collecting window failed, will retry next run", zap.Error(err))
			return tbl, nil
		}
		sum.Candidates += len(res.Rows)
		sum.Discarded += res.Discarded
		retry = res.Unreachable > 0

		if len(res.Rows) == 0 {
			if retry {
				sum.Failed++
				log.Warn("pipeline: no filings could be downloaded, will retry next run",
					zap.Int("unreachable", res.Unreachable))
				return tbl, nil
			}
			sum.Empty++
			log.Info("pipeline: window empty", zap.Int("submissions", res.Submissions))
			if err := d.ensureStore(tbl); err != nil {
				return tbl, eris.Wrapf(err, "pipeline: persist window %s", w.Key())
			}
			d.mark(ctx, runID, w, model.WindowStatusEmpty, 0, log)
			return tbl, nil
		}

		entries = res.Rows
		if err := accumulate.WriteEntries(filepath.Join(dir, accumulate.EntriesFile), entries); err != nil {
			log.Warn("pipeline: write entries", zap.Error(err))
		}

		out, err = d.deps.Gateway.Extract(ctx, extract.Entries(entries), schema, d.ds.Prompt, d.deps.GatewayConfig)
		if err != nil {
			return tbl, eris.Wrapf(err, "pipeline: extract window %s", w.Key())
		}
		sum.Usage.Add(out.Usage)

		// A window with unreachable filings is collected again next run, so
		// its extraction is not worth resuming.
		if !retry {
			if err := accumulate.WriteResults(filepath.Join(dir, accumulate.ResultsFile), out.Records, out.Failed, schema); err != nil {
				log.Warn("pipeline: write results", zap.Error(err))
			} else {
				keep = true
			}
		}
	}
	sum.Records += len(out.Records)
	sum.ExtractFailed += len(out.Failed)

	lookup := merge.Lookup(entries)
	rows := merge.Merge(out.Records, lookup, schema)
	if len(out.Failed) > 0 {
		retry = true
		var withheld int
		rows, withheld = dropAccessions(rows, failedAccessions(out.Failed, lookup))
		log.Warn("pipeline: entries failed extraction, will retry next run",
			zap.Int("count", len(out.Failed)),
			zap.Strings("ids", out.Failed),
			zap.Int("withheld_rows", withheld),
		)
	}
	rows, dups := dropAccessions(rows, tbl.Accessions())
	sum.Duplicates += dups

	if err := ctx.Err(); err != nil {
		return tbl, eris.Wrapf(err, "pipeline: window %s interrupted", w.Key())
	}
	next, err := d.deps.Store.ExtendAndSave(tbl, rows)
	if err != nil {
		return tbl, eris.Wrapf(err, "pipeline: persist window %s", w.Key())
	}
	keep = false
	sum.Rows += len(rows)

	log.Info("pipeline: window persisted",
		zap.Int("candidates", len(entries)),
		zap.Int("records", len(out.Records)),
		zap.Int("rows", len(rows)),
		zap.Int("duplicates", dups),
		zap.Int("total_rows", next.Len()),
		zap.Bool("resumed", ok),
	)
	if retry {
		sum.Incomplete++
		return next, nil
	}
	d.mark(ctx, runID, w, model.WindowStatusComplete, len(rows), log)
	return next, nil
}

// resume loads the scratch files an earlier run left after extracting the
// window but before persisting it.
func resume(dir string, schema dataset.Schema, log *zap.Logger) ([]model.CandidateRow, *extract.Result, bool) {
	resultsPath := filepath.Join(dir, accumulate.ResultsFile)
	if _, err := os.Stat(resultsPath); err != nil {
		return nil, nil, false
	}
	entries, err := accumulate.ReadEntries(filepath.Join(dir, accumulate.EntriesFile))
	if err != nil {
		log.Warn("pipeline: unreadable scratch entries, collecting again", zap.Error(err))
		return nil, nil, false
	}
	records, failed, err := accumulate.ReadResults(resultsPath, schema)
	if err != nil {
		log.Warn("pipeline: unreadable scratch results, collecting again", zap.Error(err))
		return nil, nil, false
	}
	log.Info("pipeline: resuming window from scratch results",
		zap.Int("entries", len(entries)),
		zap.Int("records", len(records)),
	)
	return entries, &extract.Result{Records: records, Failed: failed}, true
}

// ensureStore writes the header of a new store so that windows recorded in
// the ledger survive the reset applied to stores that do not exist.
func (d *Driver) ensureStore(tbl *model.Table) error {
	if _, err := os.Stat(d.deps.Store.Path()); err == nil {
		return nil
	}
	_, err := d.deps.Store.ExtendAndSave(tbl, nil)
	return err
}

// failedAccessions maps failed entry ids to their accessions.
func failedAccessions(ids []string, lookup map[string]model.CandidateRow) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if c, ok := lookup[id]; ok {
			out[c.Accession] = true
		}
	}
	return out
}

// dropAccessions removes rows whose accession is in the set.
func dropAccessions(rows []model.MergedRow, accessions map[string]bool) ([]model.MergedRow, int) {
	if len(accessions) == 0 {
		return rows, 0
	}
	kept := rows[:0:0]
	for _, r := range rows {
		if accessions[r[0]] {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(rows) - len(kept)
}

// mark records w in the ledger. A failure only costs a re-extraction on the
// next run, so it is logged rather than returned.
func (d *Driver) mark(ctx context.Context, runID string, w model.Window, status model.WindowStatus, rows int, log *zap.Logger) {
	if err := d.deps.Ledger.MarkWindow(ctx, runID, d.ds.Name, d.deps.Store.Path(), w, status, rows); err != nil {
		log.Error("pipeline: mark window", zap.Error(err))
	}
}

func (d *Driver) finish(runID string, status progress.RunStatus, sum *Summary, log *zap.Logger) {
	// The run context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.deps.Ledger.FinishRun(ctx, runID, status, sum); err != nil {
		log.Error("pipeline: finish run", zap.Error(err))
	}
}

func cleanup(p collect.Portfolio, dir string, keepScratch bool, log *zap.Logger) {
	if err := p.Delete(); err != nil {
		log.Warn("pipeline: delete portfolio", zap.Error(err))
	}
	if keepScratch {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("pipeline: remove work dir", zap.Error(err))
	}
}
