package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/conductor/pkg/ledger"
)

var historyCmd = &cobra.Command{
	Use:   "history [job_id]",
	Short: "Show recorded executions from the ledger",
	Long: `List executions recorded by the dispatcher, newest first.

Examples:
  conductor history
  conductor history job_42
  conductor history --status failed --since 24h --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Bool("json", false, "Output as JSON")
	historyCmd.Flags().String("status", "", "Only show this final status (done, failed)")
	historyCmd.Flags().String("conductor", "", "Only show executions by this conductor")
	historyCmd.Flags().Duration("since", 0, "Only show executions recorded within this window")
	historyCmd.Flags().Int("limit", 50, "Maximum number of entries")
}

func runHistory(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	status, _ := cmd.Flags().GetString("status")
	conductorName, _ := cmd.Flags().GetString("conductor")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Ledger.Enabled {
		return exitError(exitConfig, "Execution ledger is disabled", fmt.Errorf("set ledger.enabled"))
	}
	l, err := openLedger(cmd.Context(), cfg)
	if err != nil {
		return exitError(exitUnavailable, "Failed to open execution ledger", err)
	}
	defer func() { _ = l.Close() }()

	f := ledger.Filter{Status: status, Conductor: conductorName, Limit: limit}
	if len(args) == 1 {
		f.JobID = args[0]
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	entries, err := l.List(cmd.Context(), f)
	if err != nil {
		return exitError(exitRead, "Failed to query execution ledger", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if entries == nil {
			entries = []ledger.Entry{}
		}
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No executions recorded")
		return nil
	}

	w := newTable(out)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tCONDUCTOR\tSTATUS\tSTARTED\tENDED\tERROR")
	for _, e := range entries {
		st := e.Status
		if e.Aborted {
			st += " (aborted)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.JobID, e.Conductor, orDash(st),
			formatOptionalTime(e.StartTime), formatOptionalTime(e.EndTime),
			orDash(firstLine(e.Error)))
	}
	return nil
}
