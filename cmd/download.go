package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	downloadAll bool
	downloadDir string
)

var downloadCmd = &cobra.Command{
	Use:   "download [study-id]...",
	Short: "Package studies into zip archives under the size ceiling",
	Long: `Writes the selected studies' files into one or more zip archives. Each archive
holds at most --archive-ceiling bytes of payload; when the selection is larger
it is split into numbered parts. Unknown study ids select nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := selectStudies(args, downloadAll)
		if err != nil {
			return err
		}
		dir := downloadDir
		if dir == "" {
			dir = getConfig().OutputDir
		}

		bar := newBar(-1, "packaging")
		paths, err := getWorkspace().DownloadTo(cmd.Context(), dir, ids)
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, p := range paths {
			fmt.Fprintln(out, p)
		}
		getLogger().Info("Archives written.", "count", len(paths), "dir", dir)
		return nil
	},
}

func init() {
	downloadCmd.Flags().BoolVarP(&downloadAll, "all", "a", false, "Download every study in the workspace")
	downloadCmd.Flags().StringVar(&downloadDir, "dir", "", "Directory for the archives (default --output-dir)")
}
