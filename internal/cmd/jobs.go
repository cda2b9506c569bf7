package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/conductor/pkg/dispatch"
	"github.com/3leaps/conductor/pkg/jobdir"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List job directories in the queue and output areas",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the status record of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)

	jobsCmd.Flags().Bool("json", false, "Output as JSON")
	jobsCmd.Flags().String("area", "", "Only list one area: queue or output")
	jobsCmd.Flags().String("status", "", "Only list jobs in this status")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	area, _ := cmd.Flags().GetString("area")
	status, _ := cmd.Flags().GetString("status")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	snaps, err := inventory(cfg).List()
	if err != nil {
		return exitError(exitRead, "Failed to list jobs", err)
	}

	filtered := make([]dispatch.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if area != "" && string(s.Area) != area {
			continue
		}
		if status != "" && (s.Job == nil || string(s.Job.Status) != status) {
			continue
		}
		filtered = append(filtered, s)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, filtered)
	}
	if len(filtered) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := newTable(out)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tAREA\tTYPE\tSTATUS\tSTARTED\tENDED\tERROR")
	for _, s := range filtered {
		if s.Job == nil {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\tunreadable\t-\t-\t%s\n",
				filepath.Base(s.Dir), s.Area, firstLine(s.ReadError))
			continue
		}
		errText := s.Job.Error
		if s.BackupError {
			errText = "see " + jobdir.BackupErrorFile
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Job.ID, s.Area, s.Job.Type, s.Job.Status,
			formatOptionalTime(s.Job.StartTime), formatOptionalTime(s.Job.EndTime),
			orDash(firstLine(errText)))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	snap, err := inventory(cfg).Find(args[0])
	if err != nil {
		if errors.Is(err, dispatch.ErrJobNotFound) {
			return exitError(exitNotFound, "Job not found", fmt.Errorf("%q", args[0]))
		}
		return exitError(exitRead, "Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, snap)
	}

	_, _ = fmt.Fprintf(out, "dir:     %s\n", snap.Dir)
	_, _ = fmt.Fprintf(out, "area:    %s\n", snap.Area)
	if snap.Job == nil {
		_, _ = fmt.Fprintf(out, "record:  unreadable (%s)\n", snap.ReadError)
	} else {
		j := snap.Job
		_, _ = fmt.Fprintf(out, "id:      %s\n", j.ID)
		_, _ = fmt.Fprintf(out, "type:    %s\n", j.Type)
		_, _ = fmt.Fprintf(out, "status:  %s\n", j.Status)
		_, _ = fmt.Fprintf(out, "created: %s\n", formatOptionalTime(&j.CreateTime))
		_, _ = fmt.Fprintf(out, "started: %s\n", formatOptionalTime(j.StartTime))
		_, _ = fmt.Fprintf(out, "ended:   %s\n", formatOptionalTime(j.EndTime))
		if j.Error != "" {
			_, _ = fmt.Fprintf(out, "error:   %s\n", j.Error)
		}
	}
	if snap.BackupError {
		// #nosec G304 -- path is inside a job directory found by id
		if data, err := os.ReadFile(filepath.Join(snap.Dir, jobdir.BackupErrorFile)); err == nil {
			_, _ = fmt.Fprintf(out, "\n%s:\n%s", jobdir.BackupErrorFile, data)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
