package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/conductor/internal/observability"
	"github.com/3leaps/conductor/pkg/conductor"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/statusstore"
)

var executeCmd = &cobra.Command{
	Use:   "execute <job_dir>",
	Short: "Execute one job directory now",
	Long: `Run a single job directory through a conductor, bypassing the queue poll.

Without --conductor the first enabled conductor that accepts the job is
used. A malformed record is handed to the first enabled conductor so the
directory is still drained with an ERROR.log.

Examples:
  conductor execute ./queue/job-42
  conductor execute ./queue/job-42 --conductor remote-batch --json`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().String("conductor", "", "Conductor name to use")
	executeCmd.Flags().Bool("json", false, "Output the outcome as JSON")
}

func runExecute(cmd *cobra.Command, args []string) error {
	dir := args[0]
	name, _ := cmd.Flags().GetString("conductor")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	conductors, err := buildConductors(cfg, observability.CLILogger)
	if err != nil {
		return exitError(exitConfig, "Failed to configure conductors", err)
	}

	if err := jobdir.ValidDirPath(dir, true); err != nil {
		if errors.Is(err, jobdir.ErrNotFound) {
			return exitError(exitNotFound, "Job directory not found", err)
		}
		return exitError(exitUsage, "Invalid job directory", err)
	}

	c, err := pickConductor(conductors, name, dir)
	if err != nil {
		return err
	}

	observability.CLILogger.Debug("Executing job",
		zap.String("job_dir", dir), zap.String("conductor", c.Name()))
	out, err := c.Execute(cmd.Context(), dir)
	if err != nil {
		if errors.Is(err, conductor.ErrJobDirNotFound) {
			return exitError(exitNotFound, "Job directory not found", err)
		}
		if errors.Is(err, conductor.ErrAlreadyClaimed) {
			return exitError(exitUnavailable, "Job is already running", err)
		}
		return exitError(exitWrite, "Job could not be relocated", err)
	}

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), outcomeView(c.Name(), out))
	}
	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "job:        %s\n", orDash(out.JobID))
	_, _ = fmt.Fprintf(w, "conductor:  %s\n", c.Name())
	_, _ = fmt.Fprintf(w, "status:     %s\n", orDash(string(out.Status)))
	if out.Aborted {
		_, _ = fmt.Fprintf(w, "aborted:    see %s\n", jobdir.BackupErrorFile)
	}
	if out.Error != "" {
		_, _ = fmt.Fprintf(w, "error:      %s\n", out.Error)
	}
	_, _ = fmt.Fprintf(w, "output dir: %s\n", out.OutputDir)
	return nil
}

// pickConductor returns the named conductor, or the first eligible one.
func pickConductor(conductors []conductor.Conductor, name, dir string) (conductor.Conductor, error) {
	if name != "" {
		for _, c := range conductors {
			if c.Name() == name {
				return c, nil
			}
		}
		return nil, exitError(exitUsage, "Unknown or disabled conductor", fmt.Errorf("%q", name))
	}

	j, err := statusstore.New().Read(jobdir.MetaPath(dir))
	if err != nil {
		return conductors[0], nil
	}
	c, reasons := conductor.Select(conductors, j)
	if c == nil {
		return nil, exitError(exitUsage, "No enabled conductor accepts this job",
			fmt.Errorf("%v", reasons))
	}
	return c, nil
}

type outcomeJSON struct {
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type,omitempty"`
	Conductor string `json:"conductor"`
	Status    string `json:"status,omitempty"`
	Aborted   bool   `json:"aborted,omitempty"`
	Error     string `json:"error,omitempty"`
	Start     string `json:"start,omitempty"`
	End       string `json:"end,omitempty"`
	OutputDir string `json:"output_dir"`
}

func outcomeView(name string, o conductor.Outcome) outcomeJSON {
	v := outcomeJSON{
		JobID:     o.JobID,
		JobType:   string(o.JobType),
		Conductor: name,
		Status:    string(o.Status),
		Aborted:   o.Aborted,
		Error:     o.Error,
		OutputDir: o.OutputDir,
	}
	if o.StartTime != nil {
		v.Start = o.StartTime.UTC().Format(time.RFC3339)
	}
	if o.EndTime != nil {
		v.End = o.EndTime.UTC().Format(time.RFC3339)
	}
	return v
}
