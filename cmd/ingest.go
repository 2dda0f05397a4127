package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/app"
	"github.com/brensch/dicomstage/internal/domain"
	"github.com/brensch/dicomstage/internal/ingest"
)

var ingestTUI bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Ingest .dcm files, directories and .zip archives into the workspace",
	Long: `Reads every path given (directories recursively), extracts archives, parses each
DICOM file and saves it to the local store. Files that fail are reported and the
rest of the batch carries on. The batch fails only if nothing usable was found.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		ws := getWorkspace()

		inputs, readErr := ingest.LoadPaths(args)
		if readErr != nil {
			logger.Warn("Some paths could not be read.", "error", readErr)
		}
		if len(inputs) == 0 {
			return errors.Join(domain.ErrNoUsableFiles, readErr)
		}
		logger.Info("Starting ingest.", slog.Int("inputs", len(inputs)))

		if ingestTUI {
			model := app.NewAppModel(cmd.Context(), ws, nil,
				app.WithLogger(logger), app.WithAutoStart(app.IngestTask(ws, inputs)))
			if _, err := tea.NewProgram(model, tea.WithContext(cmd.Context())).Run(); err != nil {
				return fmt.Errorf("tui: %w", err)
			}
			return nil
		}

		bar := newBar(100, "ingest")
		res, err := ws.Ingest(cmd.Context(), inputs, func(p ingest.Progress) {
			bar.Describe(string(p.Stage))
			_ = bar.Set(int(p.Percent))
		})
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d files ingested, %d failed\n", len(res.Files), len(res.Failures))
		for _, f := range res.Failures {
			fmt.Fprintf(out, "  %s\n", errorText.Render(f.Error()))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestTUI, "tui", false, "Show progress in the interactive task monitor")
}
