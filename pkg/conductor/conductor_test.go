package conductor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/statusstore"
)

type areas struct {
	queue  string
	output string
	work   string
}

func newAreas(t *testing.T) areas {
	t.Helper()
	root := t.TempDir()
	return areas{
		queue:  filepath.Join(root, "queue"),
		output: filepath.Join(root, "output"),
		work:   filepath.Join(root, "work"),
	}
}

func (a areas) config() Config {
	return Config{QueueDir: a.queue, OutputDir: a.output, WorkDir: a.work}
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func enqueue(t *testing.T, queue string, j *job.Job, script string) string {
	t.Helper()
	dir, err := jobdir.Create(queue, j, []byte(script))
	require.NoError(t, err)
	return dir
}

func newShell(t *testing.T, a areas) *LocalShell {
	t.Helper()
	requireSh(t)
	require.NoError(t, os.MkdirAll(a.work, 0o755))
	c, err := NewLocalShell(a.config(), "sh")
	require.NoError(t, err)
	return c
}

func readRecord(t *testing.T, dir string) *job.Job {
	t.Helper()
	j, err := statusstore.New().Read(jobdir.MetaPath(dir))
	require.NoError(t, err)
	return j
}

func assertDrained(t *testing.T, a areas, id string) string {
	t.Helper()
	assert.NoDirExists(t, filepath.Join(a.queue, id))
	out := filepath.Join(a.output, id)
	assert.DirExists(t, out)
	return out
}

func TestNewCreatesAreas(t *testing.T) {
	a := newAreas(t)
	_, err := NewLocalShell(a.config(), "")
	require.NoError(t, err)
	assert.DirExists(t, a.queue)
	assert.DirExists(t, a.output)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewLocalShell(Config{QueueDir: file, OutputDir: a.output}, "")
	assert.ErrorIs(t, err, jobdir.ErrNotDirectory)

	_, err = NewLocalShell(Config{OutputDir: a.output}, "")
	assert.Error(t, err)
}

func TestEligible(t *testing.T) {
	a := newAreas(t)
	shell, err := NewLocalShell(a.config(), "")
	require.NoError(t, err)
	interp, err := NewLocalInterpreter(a.config(), "", "")
	require.NoError(t, err)

	ok, reason := shell.Eligible(job.New("a", job.TypeBash))
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = shell.Eligible(job.New("a", job.TypePython))
	assert.False(t, ok)
	assert.Contains(t, reason, "python")

	ok, _ = interp.Eligible(job.New("a", job.TypePapermill))
	assert.True(t, ok)

	ok, reason = shell.Eligible(nil)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	bad := job.New("", job.TypeBash)
	ok, reason = shell.Eligible(bad)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)

	weird := job.New("a", job.TypeBash)
	weird.Parameters = map[string]any{"ch": make(chan int)}
	assert.NotPanics(t, func() {
		ok, reason = shell.Eligible(weird)
	})
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestEligibleIsPure(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	j := job.New("pure", job.TypeBash)
	j.Extra = map[string]any{"rule": "r1"}
	dir := enqueue(t, a.queue, j, "#!/bin/sh\nexit 0\n")
	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	snapshot := j.Clone()
	for _, candidate := range []*job.Job{j, job.New("", "nope"), nil} {
		_, _ = c.Eligible(candidate)
	}

	assert.Equal(t, snapshot, j)
	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, job.StatusQueued, readRecord(t, dir).Status)
}

func TestExecuteSuccess(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	dir := enqueue(t, a.queue, job.New("ok-1", job.TypeBash), "#!/bin/sh\necho \"id=$CONDUCTOR_JOB_ID\"\npwd\nexit 0\n")

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, out.Status)
	assert.False(t, out.Aborted)

	final := assertDrained(t, a, "ok-1")
	assert.Equal(t, final, out.OutputDir)
	rec := readRecord(t, final)
	assert.Equal(t, job.StatusDone, rec.Status)
	require.NotNil(t, rec.StartTime)
	require.NotNil(t, rec.EndTime)
	assert.False(t, rec.EndTime.Before(*rec.StartTime))
	assert.Empty(t, rec.Error)

	stdout, err := os.ReadFile(filepath.Join(final, jobdir.StdoutFile))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "id=ok-1")
	work, err := filepath.EvalSymlinks(a.work)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), work)
}

func TestExecuteNonZero(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	dir := enqueue(t, a.queue, job.New("fail-7", job.TypeBash), "#!/bin/sh\nexit 7\n")

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)

	rec := readRecord(t, assertDrained(t, a, "fail-7"))
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, MsgNonZero, rec.Error)
	assert.NotContains(t, rec.Error, MsgFailedPrefix)
	assert.NotNil(t, rec.EndTime)
}

func TestExecuteNonZeroKeepsSpecificError(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	j := job.New("specific", job.TypeBash)
	j.Error = "input dataset missing"
	dir := enqueue(t, a.queue, j, "#!/bin/sh\nexit 1\n")

	_, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)

	rec := readRecord(t, assertDrained(t, a, "specific"))
	assert.Equal(t, job.StatusFailed, rec.Status)
	assert.Equal(t, "input dataset missing", rec.Error)
}

func TestExecuteUnreadableRecord(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	dir := filepath.Join(a.queue, "broken")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	garbage := "id: [unterminated\n"
	require.NoError(t, os.WriteFile(jobdir.MetaPath(dir), []byte(garbage), 0o644))

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, out.Aborted)

	final := assertDrained(t, a, "broken")
	data, err := os.ReadFile(filepath.Join(final, jobdir.BackupErrorFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "incorrectly set up job")

	meta, err := os.ReadFile(jobdir.MetaPath(final))
	require.NoError(t, err)
	assert.Equal(t, garbage, string(meta))
}

func TestExecuteMissingRecordAndInvalidJob(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)

	empty := filepath.Join(a.queue, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	out, err := c.Execute(context.Background(), empty)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Empty(t, out.Status)
	assert.FileExists(t, filepath.Join(assertDrained(t, a, "empty"), jobdir.BackupErrorFile))

	// a well-formed job of a type this conductor does not run is drained too
	dir := enqueue(t, a.queue, job.New("py", job.TypePython), "print(1)\n")
	out, err = c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Equal(t, job.StatusQueued, out.Status)
	final := assertDrained(t, a, "py")
	assert.FileExists(t, filepath.Join(final, jobdir.BackupErrorFile))
	assert.Equal(t, job.StatusQueued, readRecord(t, final).Status)
}

func TestExecuteAlreadyTerminal(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	j := job.New("again", job.TypeBash)
	j.Status = job.StatusDone
	dir := enqueue(t, a.queue, j, "#!/bin/sh\nexit 0\n")

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Equal(t, job.StatusDone, out.Status)
	final := assertDrained(t, a, "again")
	assert.Equal(t, job.StatusDone, readRecord(t, final).Status)
	assert.FileExists(t, filepath.Join(final, jobdir.BackupErrorFile))
}

func TestExecuteSkipsJobClaimedByAnotherConductor(t *testing.T) {
	a := newAreas(t)
	first := newShell(t, a)
	second, err := NewLocalShell(a.config(), "sh")
	require.NoError(t, err)

	dir := enqueue(t, a.queue, job.New("contended", job.TypeBash), "#!/bin/sh\nsleep 1\n")

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := first.Execute(context.Background(), dir)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		j, err := statusstore.New().Read(jobdir.MetaPath(dir))
		return err == nil && j.Status == job.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	out, err := second.Execute(context.Background(), dir)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.False(t, out.Aborted)
	assert.Equal(t, job.StatusRunning, out.Status)
	assert.DirExists(t, dir)
	assert.NoFileExists(t, filepath.Join(dir, jobdir.BackupErrorFile))

	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("first conductor did not finish")
	}
	require.NoError(t, res.err)
	assert.Equal(t, job.StatusDone, res.out.Status)

	final := assertDrained(t, a, "contended")
	assert.Equal(t, job.StatusDone, readRecord(t, final).Status)
	assert.NoFileExists(t, filepath.Join(final, jobdir.BackupErrorFile))
}

func TestPollIntervalDefault(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	assert.Equal(t, DefaultPollInterval, c.PollInterval())

	cfg := a.config()
	cfg.PollInterval = 250 * time.Millisecond
	c, err := NewLocalShell(cfg, "sh")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval())
}

func TestExecuteMissingDirectory(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)

	_, err := c.Execute(context.Background(), filepath.Join(a.queue, "ghost"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobDirNotFound))
}

func TestExecuteRelocationCollision(t *testing.T) {
	a := newAreas(t)
	c := newShell(t, a)
	dir := enqueue(t, a.queue, job.New("dup", job.TypeBash), "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.MkdirAll(filepath.Join(a.output, "dup"), 0o755))

	out, err := c.Execute(context.Background(), dir)
	require.Error(t, err)
	var relErr *jobdir.RelocationError
	assert.True(t, errors.As(err, &relErr))
	assert.ErrorIs(t, err, jobdir.ErrRelocation)
	assert.Equal(t, job.StatusDone, out.Status)
	assert.DirExists(t, dir)
}

func TestLocalInterpreterMissingTool(t *testing.T) {
	a := newAreas(t)
	c, err := NewLocalInterpreter(a.config(), filepath.Join(t.TempDir(), "no-python"), "")
	require.NoError(t, err)
	dir := enqueue(t, a.queue, job.New("py-1", job.TypePython), "print('hi')\n")

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)

	rec := readRecord(t, assertDrained(t, a, "py-1"))
	assert.True(t, strings.HasPrefix(rec.Error, MsgFailedPrefix+" "), rec.Error)
	assert.Contains(t, rec.Error, "no-python")
}

func TestLocalInterpreterPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	a := newAreas(t)
	require.NoError(t, os.MkdirAll(a.work, 0o755))
	c, err := NewLocalInterpreter(a.config(), "", "")
	require.NoError(t, err)

	dir := enqueue(t, a.queue, job.New("py-ok", job.TypePython), "import os\nprint(os.environ['CONDUCTOR_JOB_ID'])\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, out.Status)

	stdout, err := os.ReadFile(filepath.Join(out.OutputDir, jobdir.StdoutFile))
	require.NoError(t, err)
	assert.Equal(t, "py-ok\n", string(stdout))

	dir = enqueue(t, a.queue, job.New("py-bad", job.TypePython), "raise SystemExit(3)\n")
	out, err = c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.Equal(t, MsgNonZero, out.Error)
}

func TestSelect(t *testing.T) {
	a := newAreas(t)
	shell, err := NewLocalShell(a.config(), "")
	require.NoError(t, err)
	interp, err := NewLocalInterpreter(a.config(), "", "")
	require.NoError(t, err)
	all := []Conductor{shell, interp}

	c, reasons := Select(all, job.New("n", job.TypePapermill))
	assert.Same(t, interp, c)
	require.Len(t, reasons, 1)
	assert.True(t, strings.HasPrefix(reasons[0], "local-shell: "))

	c, reasons = Select(all, job.New("n", job.TypeSlurm))
	assert.Nil(t, c)
	assert.Len(t, reasons, 2)
}

func TestDisplayName(t *testing.T) {
	a := newAreas(t)
	cfg := a.config()
	cfg.DisplayName = "gpu-node-shell"
	c, err := NewLocalShell(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "gpu-node-shell", c.Name())
	assert.Equal(t, []job.Type{job.TypeBash}, c.Types())
}
