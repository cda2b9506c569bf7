package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/conductor/internal/observability"
	"github.com/3leaps/conductor/pkg/conductor"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/script"
	"github.com/3leaps/conductor/pkg/statusstore"
)

var renderCmd = &cobra.Command{
	Use:   "render <job_dir>",
	Short: "Print the remote scripts a job would run, without running it",
	Long: `Render startcontainer.sh and connect.sh for a job directory using the
remote conductor settings and the job's parameters.remote overrides.
Nothing is written and the job status is not touched.

Examples:
  conductor render ./queue/job-42
  conductor render ./queue/job-42 --script connect`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().String("script", "", "Only print one script: start or connect")
}

func runRender(cmd *cobra.Command, args []string) error {
	dir := args[0]
	which, _ := cmd.Flags().GetString("script")
	switch which {
	case "", "start", "connect":
	default:
		return exitError(exitUsage, "Invalid --script", fmt.Errorf("%q is not start or connect", which))
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := jobdir.ValidDirPath(dir, true); err != nil {
		if errors.Is(err, jobdir.ErrNotFound) {
			return exitError(exitNotFound, "Job directory not found", err)
		}
		return exitError(exitUsage, "Invalid job directory", err)
	}

	j, err := statusstore.New().Read(jobdir.MetaPath(dir))
	if err != nil {
		return exitError(exitRead, "Failed to read job record", err)
	}

	rb, err := conductor.NewRemoteBatch(conductorConfig(cfg, observability.CLILogger, cfg.Conductors.Remote.Name), remoteConfig(cfg))
	if err != nil {
		return exitError(exitConfig, "Remote conductor is not configured", err)
	}
	if ok, reason := rb.Eligible(j); !ok {
		return exitError(exitUsage, "Remote conductor would not run this job", errors.New(reason))
	}

	s, err := rb.Render(dir, j)
	if err != nil {
		return exitError(exitUsage, "Failed to render scripts", err)
	}

	out := cmd.OutOrStdout()
	if which != "connect" {
		if which == "" {
			_, _ = fmt.Fprintf(out, "# %s (flavor %s, remote: %s)\n", jobdir.StartContainerFile, s.Flavor, s.RemoteCommand)
		}
		_, _ = fmt.Fprint(out, script.Lines(s.StartContainer))
	}
	if which == "" {
		_, _ = fmt.Fprintln(out)
	}
	if which != "start" {
		if which == "" {
			_, _ = fmt.Fprintf(out, "# %s\n", jobdir.ConnectFile)
		}
		_, _ = fmt.Fprint(out, script.Lines(s.Connect))
	}
	return nil
}
