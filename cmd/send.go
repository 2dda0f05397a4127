package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var sendAll bool

var sendCmd = &cobra.Command{
	Use:   "send [study-id]...",
	Short: "Send studies to the upload endpoint, one send-pool job per study",
	Long: `Uploads each selected study as one multipart request. The endpoint comes from
--endpoint or the configuration. Files that could not be restored are left out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := getWorkspace()
		ids, err := selectStudies(args, sendAll)
		if err != nil {
			return err
		}

		bar, onDone := batchBar("send")
		report, err := ws.SendStudies(cmd.Context(), ids, "", onDone)
		_ = bar.Finish()
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, report.Summary)
		if report.Skipped > 0 {
			fmt.Fprintln(out, warnText.Render(fmt.Sprintf("%d missing files were not sent", report.Skipped)))
		}
		for _, id := range report.SkippedStudies {
			fmt.Fprintln(out, warnText.Render(fmt.Sprintf("%s has no sendable files and was not sent", id)))
		}
		for _, f := range report.Result.Failures {
			fmt.Fprintf(out, "  %s\n", errorText.Render(f.Err.Error()))
		}
		if report.Result.Failed > 0 {
			return fmt.Errorf("%d of %d studies failed to send", report.Result.Failed, len(ids))
		}
		return nil
	},
}

// selectStudies returns args, or every study id when all is set.
func selectStudies(args []string, all bool) ([]string, error) {
	if all {
		if len(args) > 0 {
			return nil, errors.New("pass study ids or --all, not both")
		}
		studies := getWorkspace().Studies()
		ids := make([]string, len(studies))
		for i, s := range studies {
			ids[i] = s.ID
		}
		return ids, nil
	}
	if len(args) == 0 {
		return nil, errors.New("no studies selected: pass study ids or --all")
	}
	return args, nil
}

func init() {
	sendCmd.Flags().BoolVarP(&sendAll, "all", "a", false, "Send every study in the workspace")
}
