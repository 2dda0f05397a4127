package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearStudy string

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove one study, or everything, from the workspace and local store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := getWorkspace()
		out := cmd.OutOrStdout()
		if clearStudy != "" {
			n, err := ws.ClearStudy(cmd.Context(), clearStudy)
			if err != nil {
				return fmt.Errorf("clear study %s: %w", clearStudy, err)
			}
			fmt.Fprintf(out, "%d files removed from study %s\n", n, clearStudy)
			return nil
		}
		n := len(ws.Files())
		if err := ws.Clear(cmd.Context()); err != nil {
			return fmt.Errorf("clear workspace: %w", err)
		}
		fmt.Fprintf(out, "%d files removed\n", n)
		return nil
	},
}

func init() {
	clearCmd.Flags().StringVarP(&clearStudy, "study", "s", "", "Only remove this study")
}
