package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/dicomstage/internal/db"
)

var (
	logLimit     int
	logOperation string
	logLevel     string
	logClear     bool
)

var validOperations = []string{db.OpIngest, db.OpAnonymize, db.OpSend, db.OpDownload, db.OpRestore, db.OpClear}

// logCmd shows the persistent event history.
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View or clear the event history of workspace operations",
	Long: `Queries the DuckDB event log, newest first. Every ingest failure, anonymize and
send batch, archive and restore problem is recorded there.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		conn := getDB()

		if logClear {
			n, err := db.ClearEvents(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events cleared\n", n)
			return nil
		}

		if logOperation != "" && !contains(validOperations, logOperation) {
			return fmt.Errorf("invalid operation filter: %s (use one of %s)", logOperation, strings.Join(validOperations, ", "))
		}
		logger.Info("Querying database event log", "operation", logOperation, "level", logLevel, "limit", logLimit)
		return db.DisplayEventLog(cmd.Context(), conn, cmd.OutOrStdout(), db.EventFilter{
			Operation: logOperation,
			Level:     logLevel,
			Limit:     logLimit,
		})
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "Limit the number of records displayed")
	logCmd.Flags().StringVarP(&logOperation, "op", "p", "", "Filter by operation (ingest, anonymize, send, download, restore, clear)")
	logCmd.Flags().StringVarP(&logLevel, "level", "l", "", "Filter by level (info, warn, error)")
	logCmd.Flags().BoolVar(&logClear, "clear", false, "Delete every recorded event")
}
