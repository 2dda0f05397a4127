package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/app"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the interactive task monitor",
	Long: `Runs anonymize, send and download from a menu while showing overall progress,
per-item status, every worker of both pools and their latest debug messages.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := getWorkspace()
		cfg := getConfig()
		tasks := []app.Task{
			app.AnonymizeTask(ws),
			app.SendTask(ws, cfg.Endpoint),
			app.DownloadTask(ws, cfg.OutputDir),
		}
		model := app.NewAppModel(cmd.Context(), ws, tasks, app.WithLogger(getLogger()))
		if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run(); err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		return nil
	},
}
