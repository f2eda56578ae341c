package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/filing-facts/internal/accumulate"
	"github.com/sells-group/filing-facts/internal/collect"
	"github.com/sells-group/filing-facts/internal/edgar"
	"github.com/sells-group/filing-facts/internal/extract"
	"github.com/sells-group/filing-facts/internal/fetcher"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/pipeline"
	"github.com/sells-group/filing-facts/pkg/anthropic"
)

var extractCmd = &cobra.Command{
	Use:   "extract <dataset>",
	Short: "Extract a dataset month by month, resuming where the last run stopped",
	Long: `Extract a dataset from 8-K filings into <output-dir>/<dataset>.csv.gz.

The date range is split into calendar-month windows. Each completed window is
recorded in the progress ledger and appended to the output file, so an
interrupted run continues with the next unfinished window.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
			cfg.Extract.OutputDir = dir
		}
		if dir, _ := cmd.Flags().GetString("work-dir"); dir != "" {
			cfg.Extract.WorkDir = dir
		}
		if noBatch, _ := cmd.Flags().GetBool("no-batch"); noBatch {
			cfg.Anthropic.NoBatch = true
		}
		if err := cfg.Validate("extract"); err != nil {
			return err
		}

		ds, err := loadDataset(args[0])
		if err != nil {
			return err
		}
		startFlag, _ := cmd.Flags().GetString("start")
		endFlag, _ := cmd.Flags().GetString("end")
		start, end, err := resolveRange(ds, startFlag, endFlag, time.Now())
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.Extract.OutputDir, 0o755); err != nil {
			return eris.Wrapf(err, "extract: create output dir %s", cfg.Extract.OutputDir)
		}
		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer ledger.Close() //nolint:errcheck

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:  cfg.EDGAR.UserAgent,
			Timeout:    time.Duration(cfg.EDGAR.TimeoutSecs) * time.Second,
			MaxRetries: cfg.EDGAR.MaxRetries,
		})
		client := edgar.NewClient(f, edgar.Options{
			SearchURL:   cfg.EDGAR.SearchURL,
			ArchivesURL: cfg.EDGAR.ArchivesURL,
			PageSize:    cfg.EDGAR.PageSize,
		})
		ai := anthropic.NewClient(anthropic.Options{APIKey: cfg.Anthropic.Key})

		driver := pipeline.New(ds, pipeline.Deps{
			Collector: collect.New(ds),
			Portfolio: func(dir string) collect.Portfolio {
				return edgar.NewPortfolio(client, dir, cfg.EDGAR.DownloadConcurrency)
			},
			Gateway:       extract.NewClaude(ai),
			GatewayConfig: extract.ConfigFor(ds, cfg.Anthropic),
			Store:         accumulate.NewStore(outputPath(cfg, ds)),
			Ledger:        ledger,
			WorkDir:       cfg.Extract.WorkDir,
		})

		zap.L().Info("extract: starting",
			zap.String("dataset", ds.Name),
			zap.String("start", start.Format(model.DateLayout)),
			zap.String("end", end.Format(model.DateLayout)),
		)
		sum, err := driver.Run(ctx, start, end)
		if sum != nil {
			formatSummary(cmd.OutOrStdout(), ds.Name, sum)
		}
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return nil
	},
}

// formatSummary prints the counts of a run.
func formatSummary(out io.Writer, name string, sum *pipeline.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "DATASET\t%s\n", name)
	_, _ = fmt.Fprintf(w, "WINDOWS\t%d (skipped %d, empty %d, failed %d, incomplete %d, resumed %d)\n",
		sum.Windows, sum.Skipped, sum.Empty, sum.Failed, sum.Incomplete, sum.Resumed)
	_, _ = fmt.Fprintf(w, "CANDIDATES\t%d (discarded %d)\n", sum.Candidates, sum.Discarded)
	_, _ = fmt.Fprintf(w, "RECORDS\t%d (failed entries %d)\n", sum.Records, sum.ExtractFailed)
	_, _ = fmt.Fprintf(w, "ROWS ADDED\t%d (duplicates %d)\n", sum.Rows, sum.Duplicates)
	_, _ = fmt.Fprintf(w, "TOKENS\t%d in / %d out\n", sum.Usage.InputTokens, sum.Usage.OutputTokens)
	_ = w.Flush()
}

func init() {
	extractCmd.Flags().String("start", "", "first filing date, YYYY-MM-DD (default: the dataset's start date)")
	extractCmd.Flags().String("end", "", "last filing date, YYYY-MM-DD (default: today)")
	extractCmd.Flags().String("output-dir", "", "directory of the accumulated datasets (overrides extract.output_dir)")
	extractCmd.Flags().String("work-dir", "", "scratch directory for downloaded filings (overrides extract.work_dir)")
	extractCmd.Flags().Bool("no-batch", false, "never use the Message Batches API")
	rootCmd.AddCommand(extractCmd)
}
