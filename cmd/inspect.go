package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/inspector"
)

var inspectDir string

// inspectCmd summarises the Parquet files written by save.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect schema, row counts and spans of saved Parquet files using DuckDB",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		dir := inspectDir
		if dir == "" {
			dir = getConfig().OutputDir
		}
		summaries, err := inspector.Inspect(cmd.Context(), getDB(), dir, logger)
		if len(summaries) == 0 && err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "No Parquet files in %s. Run save first.\n", dir)
			return nil
		}
		inspector.Display(cmd.OutOrStdout(), summaries)
		if err != nil {
			return fmt.Errorf("inspection failed: %w", err)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectDir, "dir", "", "Directory to inspect (default --output-dir)")
}
