package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/filing-facts/internal/accumulate"
	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/progress"
)

var statusCmd = &cobra.Command{
	Use:   "status <dataset>",
	Short: "Show stored rows, completed windows and recent runs of a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ds, err := loadDataset(args[0])
		if err != nil {
			return err
		}
		output := outputPath(cfg, ds)
		tbl, err := accumulate.NewStore(output).Load()
		if err != nil {
			return err
		}

		ledger, err := openLedger(ctx, cfg)
		if err != nil {
			return err
		}
		defer ledger.Close() //nolint:errcheck

		windows, err := ledger.Windows(ctx, ds.Name, output)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("runs")
		runs, err := ledger.Runs(ctx, ds.Name, limit)
		if err != nil {
			return err
		}

		formatStatus(cmd.OutOrStdout(), output, tbl, windows, runs)
		return nil
	},
}

func formatStatus(out io.Writer, output string, tbl *model.Table, windows []progress.WindowRecord, runs []progress.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "OUTPUT\t%s\n", output)
	_, _ = fmt.Fprintf(w, "ROWS\t%d\n", tbl.Len())
	_, _ = fmt.Fprintf(w, "ACCESSIONS\t%d\n", len(tbl.Accessions()))

	empty := 0
	for _, r := range windows {
		if r.Status == model.WindowStatusEmpty {
			empty++
		}
	}
	_, _ = fmt.Fprintf(w, "WINDOWS DONE\t%d (empty %d)\n", len(windows), empty)
	if len(windows) > 0 {
		_, _ = fmt.Fprintf(w, "LAST WINDOW\t%s\n", windows[len(windows)-1].Key)
	}
	_ = w.Flush()

	if len(runs) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tRANGE\tSTATUS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "---\t-----\t------\t-------\t--------")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s..%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Start, r.End,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID for table output.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
