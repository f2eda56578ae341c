package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/filing-facts/internal/accumulate"
	"github.com/sells-group/filing-facts/internal/db"
)

var publishCmd = &cobra.Command{
	Use:   "publish <dataset>",
	Short: "Mirror an accumulated dataset into Postgres",
	Long:  "Replaces <publish.schema>.<dataset> with the current content of the dataset's output file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("publish"); err != nil {
			return err
		}

		ds, err := loadDataset(args[0])
		if err != nil {
			return err
		}
		output := outputPath(cfg, ds)
		tbl, err := accumulate.NewStore(output).Load()
		if err != nil {
			return err
		}
		if len(tbl.Columns) == 0 {
			return eris.Errorf("publish: %s does not exist; run extract first", output)
		}

		pool, err := db.Connect(ctx, cfg.Publish.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		n, err := db.ReplaceTable(ctx, pool, cfg.Publish.Schema, ds.Name, tbl)
		if err != nil {
			return eris.Wrap(err, "publish")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Published %d rows to %s.%s\n", n, cfg.Publish.Schema, ds.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
