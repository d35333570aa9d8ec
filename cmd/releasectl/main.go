// Command releasectl inspects and repairs a release store from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/releaseflow/internal/config"
	"github.com/seantiz/releaseflow/internal/store"
)

var (
	cfg     config.Config
	db      *store.SQLStore
	logger  *slog.Logger
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "releasectl",
	Short:         "Operator tooling for the releaseflow store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		var w io.Writer = io.Discard
		if verbose {
			w = os.Stderr
		}
		logger = config.NewLogger(w, cfg.LogLevel)

		db, err = store.Open(cmd.Context(), cfg.Store.Driver, cfg.DSN())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		db.SetLogger(logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			return db.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
