package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/conductor/internal/config"
	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/output"
)

type cliEnv struct {
	root   string
	queue  string
	output string
}

// newCLIEnv points every area and the ledger at a temp dir.
func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	root := t.TempDir()
	env := cliEnv{
		root:   root,
		queue:  filepath.Join(root, "queue"),
		output: filepath.Join(root, "output"),
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "xdg"))
	t.Setenv("CONDUCTOR_CONFIG", "")
	t.Setenv("CONDUCTOR_QUEUE_DIR", env.queue)
	t.Setenv("CONDUCTOR_OUTPUT_DIR", env.output)
	t.Setenv("CONDUCTOR_WORK_DIR", root)
	t.Setenv("CONDUCTOR_LEDGER_PATH", filepath.Join(root, "ledger.db"))
	t.Setenv("CONDUCTOR_POLL_INTERVAL", "50ms")
	return env
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2026-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	requireBash(t)
	env := newCLIEnv(t)

	scriptPath := filepath.Join(env.root, "hello.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("echo hello from $CONDUCTOR_JOB_ID\n"), 0o644))

	out, err := runCLI(t, "submit", scriptPath, "--id", "job-1", "--param", "infile=data.csv")
	require.NoError(t, err)
	assert.Equal(t, "job-1\n", out)

	out, err = runCLI(t, "jobs", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"area": "queue"`)
	assert.Contains(t, out, `"id": "job-1"`)

	out, err = runCLI(t, "run", "--once", "--json")
	require.NoError(t, err)
	var pass struct {
		PassID     string        `json:"pass_id"`
		Executions []outcomeJSON `json:"executions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pass))
	require.Len(t, pass.Executions, 1)
	assert.Equal(t, "job-1", pass.Executions[0].JobID)
	assert.Equal(t, "done", pass.Executions[0].Status)
	assert.Equal(t, "local-shell", pass.Executions[0].Conductor)
	assert.NotEmpty(t, pass.PassID)

	stdout, err := os.ReadFile(filepath.Join(env.output, "job-1", "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello from job-1\n", string(stdout))

	out, err = runCLI(t, "status", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "area:    output")
	assert.Contains(t, out, "status:  done")

	out, err = runCLI(t, "history", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"job_id": "job-1"`)
	assert.Contains(t, out, `"status": "done"`)

	out, err = runCLI(t, "run", "--once")
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty\n", out)
}

func TestExecuteCommand(t *testing.T) {
	requireBash(t)
	env := newCLIEnv(t)

	scriptPath := filepath.Join(env.root, "fail.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("exit 3\n"), 0o644))
	_, err := runCLI(t, "submit", scriptPath, "--id", "job-2")
	require.NoError(t, err)

	t.Run("UnknownConductor", func(t *testing.T) {
		_, err := runCLI(t, "execute", filepath.Join(env.queue, "job-2"), "--conductor", "nope")
		require.Error(t, err)
		assert.Equal(t, exitUsage, exitCodeOf(err))
	})

	t.Run("MissingDir", func(t *testing.T) {
		_, err := runCLI(t, "execute", filepath.Join(env.queue, "absent"))
		require.Error(t, err)
		assert.Equal(t, exitNotFound, exitCodeOf(err))
	})

	t.Run("AlreadyRunning", func(t *testing.T) {
		j := job.New("job-busy", job.TypeBash)
		j.Status = job.StatusRunning
		dir, err := jobdir.Create(env.queue, j, []byte("exit 0\n"))
		require.NoError(t, err)

		_, err = runCLI(t, "execute", dir)
		require.Error(t, err)
		assert.Equal(t, exitUnavailable, exitCodeOf(err))
		assert.DirExists(t, dir)
		assert.NoFileExists(t, filepath.Join(dir, jobdir.BackupErrorFile))
	})

	t.Run("NonZero", func(t *testing.T) {
		out, err := runCLI(t, "execute", filepath.Join(env.queue, "job-2"), "--json")
		require.NoError(t, err)

		var o outcomeJSON
		require.NoError(t, json.Unmarshal([]byte(out), &o))
		assert.Equal(t, "failed", o.Status)
		assert.Equal(t, "Job execution returned non-zero.", o.Error)
		assert.Equal(t, filepath.Join(env.output, "job-2"), o.OutputDir)
	})
}

func TestRunWritesEvents(t *testing.T) {
	requireBash(t)
	env := newCLIEnv(t)

	scriptPath := filepath.Join(env.root, "ok.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("exit 0\n"), 0o644))
	_, err := runCLI(t, "submit", scriptPath, "--id", "job-ev")
	require.NoError(t, err)

	events := filepath.Join(env.root, "events.jsonl")
	_, err = runCLI(t, "run", "--once", "--events", events)
	require.NoError(t, err)

	f, err := os.Open(events)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var types []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		types = append(types, r.Type)
	}
	assert.Equal(t, []string{output.TypeExecution, output.TypePass}, types)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	env := newCLIEnv(t)
	scriptPath := filepath.Join(env.root, "x.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("true\n"), 0o644))

	_, err := runCLI(t, "submit", scriptPath, "--type", "slurm")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeOf(err))
}

func TestStatusNotFound(t *testing.T) {
	newCLIEnv(t)
	_, err := runCLI(t, "status", "missing")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCodeOf(err))
}

func TestRenderCommand(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CONDUCTOR_REMOTE_HOST", "login.example")
	t.Setenv("CONDUCTOR_REMOTE_USER", "ops")
	t.Setenv("CONDUCTOR_BATCH_ARGS", "sbatch,#SBATCH --ntasks=4")

	scriptPath := filepath.Join(env.root, "r.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("true\n"), 0o644))
	_, err := runCLI(t, "submit", scriptPath, "--id", "job-r")
	require.NoError(t, err)
	dir := filepath.Join(env.queue, "job-r")

	out, err := runCLI(t, "render", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "#SBATCH --ntasks=4")
	assert.Contains(t, out, "-e ID=job-r")
	assert.Contains(t, out, "ops@login.example")
	assert.Contains(t, out, "&& sbatch")

	out, err = runCLI(t, "render", dir, "--script", "start")
	require.NoError(t, err)
	assert.NotContains(t, out, "ssh ")

	_, err = os.Stat(filepath.Join(dir, "connect.sh"))
	assert.True(t, os.IsNotExist(err), "render must not write scripts")

	_, err = runCLI(t, "render", dir, "--script", "both")
	require.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("CONDUCTOR_LEDGER_AUTH_TOKEN", "secret-token-1234")

	out, err := runCLI(t, "config", "--json")
	require.NoError(t, err)

	var settings map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Equal(t, env.queue, settings["queue_dir"])
	assert.Equal(t, "50ms", settings["poll_interval"])
	ledgerSettings, ok := settings["ledger"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "****1234", ledgerSettings["auth_token"])

	out, err = runCLI(t, "config", "--env")
	require.NoError(t, err)
	assert.Contains(t, out, "CONDUCTOR_QUEUE_DIR")
}

func TestInvalidConfig(t *testing.T) {
	newCLIEnv(t)
	t.Setenv("CONDUCTOR_REMOTE_ENABLED", "true")

	_, err := runCLI(t, "jobs")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCodeOf(err))
	assert.Contains(t, err.Error(), "remote.host")
}

func TestConductorChecks(t *testing.T) {
	env := newCLIEnv(t)
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env.queue, cfg.QueueDir)

	names := []string{}
	for _, c := range conductorChecks(cfg, false) {
		names = append(names, c.name)
	}
	assert.Contains(t, names, "Queue area")
	assert.Contains(t, names, "Execution ledger")
	assert.NotContains(t, names, "SSH client")

	for _, c := range conductorChecks(cfg, false) {
		if c.name == "Queue area" || c.name == "Execution ledger" {
			_, err := c.run(context.Background())
			assert.NoError(t, err, c.name)
		}
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{
		"infile=data.csv",
		"count=3",
		"remote.batch_args=[sbatch, --time=10]",
		"remote.image=custom",
		"empty=",
	})
	require.NoError(t, err)
	assert.Equal(t, "data.csv", got["infile"])
	assert.Equal(t, 3, got["count"])
	assert.Equal(t, "", got["empty"])
	remote, ok := got["remote"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"sbatch", "--time=10"}, remote["batch_args"])
	assert.Equal(t, "custom", remote["image"])

	_, err = parseParams([]string{"novalue"})
	require.Error(t, err)
}

func TestExitError(t *testing.T) {
	err := exitError(exitNotFound, "Job not found", errors.New("job-9"))
	assert.Equal(t, "Job not found: job-9", err.Error())
	assert.Equal(t, exitNotFound, exitCodeOf(err))

	assert.Equal(t, exitInterrupted, exitCodeOf(context.Canceled))
	assert.Equal(t, 1, exitCodeOf(errors.New("plain")))
	assert.Equal(t, "bare", exitError(exitUsage, "bare", nil).Error())
}

func TestVersionCommand(t *testing.T) {
	newCLIEnv(t)
	out, err := runCLI(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version"`)
	assert.Contains(t, out, `"go_version"`)
}
