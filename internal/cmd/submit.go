package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/conductor/internal/observability"
	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
)

var submitCmd = &cobra.Command{
	Use:   "submit <script|->",
	Short: "Queue a new job",
	Long: `Create a job directory in the queue area from a script file ("-" reads
stdin). The directory is staged and renamed into place so a running
dispatcher never sees it half-written.

Parameters use dotted keys; values are parsed as YAML scalars.

Examples:
  conductor submit job.sh
  conductor submit analysis.py --type python --param infile=data.csv
  conductor submit job.sh --param remote.batch_args='[sbatch, --time=10]'`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("type", string(job.TypeBash), "Job type: bash, python, papermill")
	submitCmd.Flags().String("id", "", "Job id (default: job_<uuid>)")
	submitCmd.Flags().StringArray("param", nil, "Job parameter as key=value (repeatable)")
	submitCmd.Flags().Bool("json", false, "Output the created record as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	id, _ := cmd.Flags().GetString("id")
	params, _ := cmd.Flags().GetStringArray("param")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	t := job.Type(strings.ToLower(typ))
	if !t.Known() || jobdir.ScriptFile(t) == "" {
		return exitError(exitUsage, "Unsupported job type", fmt.Errorf("%q", typ))
	}
	if id == "" {
		id = "job_" + uuid.NewString()
	}

	script, err := readScript(cmd.InOrStdin(), args[0])
	if err != nil {
		return exitError(exitRead, "Failed to read job script", err)
	}

	j := job.New(id, t)
	if len(params) > 0 {
		j.Parameters, err = parseParams(params)
		if err != nil {
			return exitError(exitUsage, "Invalid --param", err)
		}
	}

	dir, err := jobdir.Create(cfg.QueueDir, j, script)
	if err != nil {
		return exitError(exitWrite, "Failed to queue job", err)
	}
	observability.CLILogger.Debug("Job queued", zap.String("job_id", id), zap.String("job_dir", dir))

	if jsonOutput {
		return writeJSON(cmd.OutOrStdout(), struct {
			*job.Job
			Dir string `json:"dir"`
		}{j, dir})
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func readScript(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	// #nosec G304 -- the operator names the script to submit
	return os.ReadFile(path)
}

// parseParams turns key=value pairs into a nested map. Dots in keys nest.
func parseParams(pairs []string) (map[string]any, error) {
	out := map[string]any{}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}

		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if raw == "" {
			val = ""
		}

		parts := strings.Split(key, ".")
		m := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[part] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = val
	}
	return out, nil
}
