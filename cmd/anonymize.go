package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/domain"
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize",
	Short: "Anonymize every file not yet anonymized, using the anonymize worker pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := getWorkspace()
		bar, onDone := batchBar("anonymize")
		report, err := ws.AnonymizeAll(cmd.Context(), onDone)
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("anonymize failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, report.Summary)
		if report.Skipped > 0 {
			fmt.Fprintln(out, dimText.Render(fmt.Sprintf("%d files skipped (already anonymized or missing)", report.Skipped)))
		}
		for _, f := range report.Result.Failures {
			item := domain.FailedItem(f.Err)
			if item == "" {
				item = f.JobID
			}
			fmt.Fprintf(out, "  %s %s\n", item, errorText.Render(f.Err.Error()))
		}
		return nil
	},
}
