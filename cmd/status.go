package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/orchestrator"
	"github.com/brensch/dicomstage/internal/pool"
)

var (
	statusJSON  bool
	statusDebug bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace totals, worker pool state and recent pool debug messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws := getWorkspace()
		st := ws.Status()
		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				orchestrator.Status
				Debug []pool.DebugMessage `json:"debug,omitempty"`
			}{st, debugIf(ws, statusDebug)})
		}
		printStatus(out, st)
		if statusDebug {
			printDebug(out, ws.DebugMessages())
		}
		return nil
	},
}

func debugIf(ws *orchestrator.Workspace, on bool) []pool.DebugMessage {
	if !on {
		return nil
	}
	return ws.DebugMessages()
}

func printStatus(w io.Writer, st orchestrator.Status) {
	fmt.Fprintln(w, headerText.Render("Workspace"))
	fmt.Fprintf(w, "  files %d  studies %d  series %d  anonymized %d  bytes %d\n", st.Files, st.Studies, st.Series, st.Anonymized, st.Bytes)
	if st.Placeholders > 0 {
		fmt.Fprintln(w, warnText.Render(fmt.Sprintf("  %d files could not be restored", st.Placeholders)))
	}
	for _, p := range st.Pools {
		fmt.Fprintln(w, headerText.Render("Pool "+p.Name))
		fmt.Fprintf(w, "  workers %d  active %d  queued %d  completed %d  failed %d\n", p.TotalWorkers, p.ActiveJobs, p.QueuedJobs, p.Completed, p.Failed)
		workers := st.Workers[p.Name]
		sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
		for _, wd := range workers {
			fmt.Fprintf(w, "  #%-3d %-8s jobs %-5d restarts %d %s\n", wd.ID, wd.State, wd.JobsCompleted, wd.Restarts, dimText.Render(wd.JobID))
		}
	}
}

func printDebug(w io.Writer, msgs []pool.DebugMessage) {
	fmt.Fprintln(w, headerText.Render(fmt.Sprintf("Debug messages (%d)", len(msgs))))
	for _, m := range msgs {
		line := fmt.Sprintf("  %s %-9s %-5s w%-2d %s %s", m.Time.Format("15:04:05.000"), m.Pool, m.Level, m.WorkerID, m.JobID, m.Message)
		switch m.Level {
		case pool.LevelError:
			line = errorText.Render(line)
		case pool.LevelWarn:
			line = warnText.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")
	statusCmd.Flags().BoolVarP(&statusDebug, "debug", "d", false, "Include pool debug messages")
}
