package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/filing-facts/internal/dataset"
)

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List the available datasets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := dataset.Load(cfg.Extract.DatasetsFile)
		if err != nil {
			return err
		}
		formatDatasets(cmd.OutOrStdout(), reg.All())
		return nil
	},
}

func formatDatasets(out io.Writer, all []*dataset.Dataset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tITEMS\tSTART\tPRIMARY\tFIELDS\tTIER")
	_, _ = fmt.Fprintln(w, "----\t-----\t-----\t-------\t------\t----")
	for _, ds := range all {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ds.Name,
			strings.Join(ds.Items, ","),
			ds.StartDate,
			ds.PrimaryField,
			len(ds.Fields),
			ds.Gateway.Tier,
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
}
