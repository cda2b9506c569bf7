package conductor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/runner"
)

// LocalShell runs bash jobs on this host.
type LocalShell struct {
	base

	// Shell is the interpreter for job.sh.
	Shell string
}

// NewLocalShell returns a LocalShell. An empty shell means "bash".
func NewLocalShell(cfg Config, shell string) (*LocalShell, error) {
	b, err := newBase(cfg, "local-shell", []job.Type{job.TypeBash})
	if err != nil {
		return nil, err
	}
	if shell == "" {
		shell = "bash"
	}
	c := &LocalShell{base: b, Shell: shell}
	c.run = c.runJob
	return c, nil
}

func (c *LocalShell) runJob(ctx context.Context, dir string, j *job.Job) (int, error) {
	return c.runLocal(ctx, dir, j, c.Shell, jobdir.ScriptPath(dir, j.Type))
}

// LocalInterpreter runs python scripts and papermill notebooks on this host.
type LocalInterpreter struct {
	base

	Python    string
	Papermill string
}

// NewLocalInterpreter returns a LocalInterpreter. Empty tool names default to
// "python3" and "papermill".
func NewLocalInterpreter(cfg Config, python, papermill string) (*LocalInterpreter, error) {
	b, err := newBase(cfg, "local-interpreter", []job.Type{job.TypePython, job.TypePapermill})
	if err != nil {
		return nil, err
	}
	if python == "" {
		python = "python3"
	}
	if papermill == "" {
		papermill = "papermill"
	}
	c := &LocalInterpreter{base: b, Python: python, Papermill: papermill}
	c.run = c.runJob
	return c, nil
}

func (c *LocalInterpreter) runJob(ctx context.Context, dir string, j *job.Job) (int, error) {
	script := jobdir.ScriptPath(dir, j.Type)
	switch j.Type {
	case job.TypePython:
		return c.runLocal(ctx, dir, j, c.Python, script)
	case job.TypePapermill:
		return c.runLocal(ctx, dir, j, c.Papermill, script, filepath.Join(dir, jobdir.NotebookResultFile))
	default:
		return 0, fmt.Errorf("unsupported job type %s", j.Type)
	}
}

// runLocal runs tool with args from the configured working directory,
// logging into the job directory. A missing tool is a run failure.
func (b *base) runLocal(ctx context.Context, dir string, j *job.Job, tool string, args ...string) (int, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return 0, fmt.Errorf("%s is not available: %w", tool, err)
	}
	res, err := runner.Run(ctx, runner.Command{
		Path:       path,
		Args:       args,
		Dir:        b.cfg.WorkDir,
		Env:        jobEnv(dir, j),
		StdoutPath: filepath.Join(dir, jobdir.StdoutFile),
		StderrPath: filepath.Join(dir, jobdir.StderrFile),
	})
	if err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}
