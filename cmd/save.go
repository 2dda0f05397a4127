package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/inventory"
	"github.com/brensch/dicomstage/internal/saver"
)

var saveDir string

// saveCmd exports the session tables and the manifest as Parquet.
var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Saves the event log, session table and file manifest to Parquet files",
	Long: `Copies the DuckDB event_log and session_files tables to Parquet and writes the
current manifest, one row per file with its DICOM identifiers, as manifest.parquet.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		dir := saveDir
		if dir == "" {
			dir = getConfig().OutputDir
		}
		logger.Info("Starting table save process...", slog.String("output_dir", dir))

		written, tablesErr := saver.SaveTablesToParquet(cmd.Context(), getDB(), dir, nil, logger)
		manifestPath, manifestErr := inventory.ExportManifest(getWorkspace().Files(), dir, logger)
		if manifestErr == nil {
			written = append(written, manifestPath)
		}
		for _, p := range written {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		if err := errors.Join(tablesErr, manifestErr); err != nil {
			logger.Error("Save process completed with errors", "error", err)
			return fmt.Errorf("save failed: %w", err)
		}
		logger.Info("Table save process completed successfully.")
		return nil
	},
}

func init() {
	saveCmd.Flags().StringVar(&saveDir, "dir", "", "Directory for the Parquet files (default --output-dir)")
}
