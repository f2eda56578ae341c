package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/filing-facts/internal/config"
	"github.com/sells-group/filing-facts/internal/dataset"
	"github.com/sells-group/filing-facts/internal/progress"
	"github.com/sells-group/filing-facts/internal/window"
)

// loadDataset resolves a dataset by name from the configured definitions.
func loadDataset(name string) (*dataset.Dataset, error) {
	reg, err := dataset.Load(cfg.Extract.DatasetsFile)
	if err != nil {
		return nil, err
	}
	return reg.Get(name)
}

// outputPath is the accumulation file of a dataset.
func outputPath(c *config.Config, ds *dataset.Dataset) string {
	return filepath.Join(c.Extract.OutputDir, ds.Name+".csv.gz")
}

// ledgerPath is the progress database, next to the outputs unless configured.
func ledgerPath(c *config.Config) string {
	if c.Extract.LedgerPath != "" {
		return c.Extract.LedgerPath
	}
	return filepath.Join(c.Extract.OutputDir, "progress.db")
}

func openLedger(ctx context.Context, c *config.Config) (*progress.Ledger, error) {
	l, err := progress.Open(ctx, ledgerPath(c))
	if err != nil {
		return nil, eris.Wrap(err, "open progress ledger")
	}
	return l, nil
}

// resolveRange applies the dataset's default start and today's date to
// empty flags.
func resolveRange(ds *dataset.Dataset, startFlag, endFlag string, now time.Time) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error

	if startFlag == "" {
		start, err = ds.Start()
	} else {
		start, err = window.ParseDate(startFlag)
	}
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "invalid --start")
	}

	if endFlag == "" {
		end = window.Day(now)
	} else if end, err = window.ParseDate(endFlag); err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "invalid --end")
	}
	return start, end, nil
}
