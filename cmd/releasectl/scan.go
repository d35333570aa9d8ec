package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/releaseflow/internal/monitor"
)

var scanReportOnly bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one consistency scan and print the report",
	Long: `Run the six consistency checks once against the configured store.

Repairs are applied unless --report-only is set, in which case duplicate
release numbers are reported but not renamed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := monitor.Options{
			Timeout:          cfg.Monitor.Timeout,
			LockTTL:          cfg.LockTTL,
			MaxIssuesPerType: cfg.Monitor.MaxIssuesPerType,
			MaxFixesPerType:  cfg.Monitor.MaxFixesPerType,
			RenameDuplicates: cfg.Monitor.RenameDuplicates && !scanReportOnly,
		}
		report, err := monitor.New(db, nil, logger, opts).RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanReportOnly, "report-only", false, "Report duplicate numbers without renaming")
	rootCmd.AddCommand(scanCmd)
}
