package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/releaseflow/internal/dedupe"
	"github.com/seantiz/releaseflow/internal/engine"
)

var listStatus string

func newEngine() *engine.Engine {
	opts := engine.DefaultOptions()
	opts.AllowLoadFromStaged = cfg.Engine.AllowLoadFromStaged
	opts.LockTTL = cfg.LockTTL
	return engine.NewEngine(db, nil, nil, logger, opts)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List releases in a status, oldest waiting first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		releases, err := newEngine().ListByStatus(cmd.Context(), listStatus)
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), releases)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <release-id>",
	Short: "Show loading totals for a release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := newEngine().LoadingStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), stats)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit <release-id>",
	Short: "Print a release's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newEngine().AuditTrail(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), entries)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <release-id>",
	Short: "Run duplicate and data integrity checks on a stored release",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rel, err := newEngine().Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		guard := dedupe.NewGuard(db, logger, nil)
		dup, err := guard.CheckForDuplicate(cmd.Context(), rel)
		if err != nil {
			return err
		}
		similar, err := guard.FindSimilarReleases(cmd.Context(), rel)
		if err != nil {
			return err
		}
		return outputJSON(cmd.OutOrStdout(), map[string]any{
			"releaseId": rel.ID,
			"hash":      dedupe.ReleaseHash(rel),
			"duplicate": dup,
			"similar":   similar,
			"integrity": dedupe.ValidateDataIntegrity(rel),
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "Entered", "Release status to list")
	rootCmd.AddCommand(listCmd, statsCmd, auditCmd, checkCmd)
}
