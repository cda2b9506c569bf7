package conductor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/remote"
	"github.com/3leaps/conductor/pkg/script"
)

// clusterShell stands in for the remote host. On success it "runs" the job
// by creating the done marker in the job directory.
type clusterShell struct {
	mu       sync.Mutex
	fail     bool
	complete bool
	doneDir  string
	calls    int
	commands []string
	scripts  []string
}

func (s *clusterShell) Run(_ context.Context, command string, stdin io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.commands = append(s.commands, command)
	data, _ := io.ReadAll(stdin)
	s.scripts = append(s.scripts, string(data))
	if s.fail {
		return errors.New("ssh: connect to host hpc port 22: Connection refused")
	}
	if s.complete {
		return os.WriteFile(filepath.Join(s.doneDir, jobdir.DoneFile), nil, 0o644)
	}
	return nil
}

func testProtocol() remote.Protocol {
	return remote.Protocol{
		Connect:    remote.Phase{Retries: 2},
		Completion: remote.Phase{Retries: 3, Interval: time.Millisecond},
	}
}

func newRemote(t *testing.T, a areas, rc RemoteConfig) *RemoteBatch {
	t.Helper()
	require.NoError(t, os.MkdirAll(a.work, 0o755))
	if rc.Target.Host == "" {
		rc.Target = script.SSHTarget{User: "ops", Host: "hpc.example", KeyPath: "/keys/id"}
	}
	if rc.Protocol.Completion.Retries == 0 {
		rc.Protocol = testProtocol()
	}
	c, err := NewRemoteBatch(a.config(), rc)
	require.NoError(t, err)
	return c
}

func TestRemoteBatchNativeDone(t *testing.T) {
	a := newAreas(t)
	shell := &clusterShell{complete: true, doneDir: filepath.Join(a.queue, "r-1")}
	c := newRemote(t, a, RemoteConfig{Shell: shell, BatchArgs: []string{"sbatch", "#SBATCH --time=01:00:00"}})

	dir := enqueue(t, a.queue, job.New("r-1", job.TypeBash), "#!/bin/bash\necho remote\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, out.Status)

	final := assertDrained(t, a, "r-1")
	assert.Equal(t, job.StatusDone, readRecord(t, final).Status)
	assert.Equal(t, 1, shell.calls)
	assert.Equal(t, "cd cluster && sbatch", shell.commands[0])

	start, err := os.ReadFile(filepath.Join(final, jobdir.StartContainerFile))
	require.NoError(t, err)
	assert.Equal(t, string(start), shell.scripts[0])
	lines := strings.Split(strings.TrimSpace(string(start)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "#SBATCH --time=01:00:00", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "docker run "))
	assert.Contains(t, lines[2], "-e ID=r-1 slurm-cluster")

	for _, name := range []string{jobdir.StartContainerFile, jobdir.ConnectFile} {
		info, err := os.Stat(filepath.Join(final, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm(), name)
	}
}

func TestRemoteBatchJobOverridesFlavor(t *testing.T) {
	a := newAreas(t)
	shell := &clusterShell{complete: true, doneDir: filepath.Join(a.queue, "r-2")}
	c := newRemote(t, a, RemoteConfig{Shell: shell, BatchArgs: []string{"sbatch", "#SBATCH -N 1"}})

	j := job.New("r-2", job.TypePython)
	j.Parameters = map[string]any{"remote": map[string]any{
		"batch_args": []any{"srun", "-N 4"},
		"image":      "lab/analysis:2",
	}}
	dir := enqueue(t, a.queue, j, "print(1)\n")

	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, out.Status)
	assert.Equal(t, "cd cluster && bash -s", shell.commands[0])
	assert.Contains(t, shell.scripts[0], "srun -N 4 docker run --cap-add SYS_ADMIN --device /dev/fuse -e ID=r-2 lab/analysis:2\n")
}

func TestRemoteBatchConnectExhausted(t *testing.T) {
	a := newAreas(t)
	shell := &clusterShell{fail: true}
	c := newRemote(t, a, RemoteConfig{Shell: shell})

	dir := enqueue(t, a.queue, job.New("r-3", job.TypeBash), "true\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.Equal(t, MsgNonZero, out.Error)
	assert.Equal(t, 3, shell.calls)
	assertDrained(t, a, "r-3")
}

func TestRemoteBatchCompletionTimeout(t *testing.T) {
	a := newAreas(t)
	shell := &clusterShell{}
	c := newRemote(t, a, RemoteConfig{Shell: shell})

	dir := enqueue(t, a.queue, job.New("r-4", job.TypeBash), "true\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)

	rec := readRecord(t, assertDrained(t, a, "r-4"))
	assert.Equal(t, "Job execution failed. remote completion timed out: no done marker after 3 polls (3ms)", rec.Error)
}

func TestRemoteBatchRejectsNotebooks(t *testing.T) {
	a := newAreas(t)
	c := newRemote(t, a, RemoteConfig{Shell: &clusterShell{}})
	ok, reason := c.Eligible(job.New("nb", job.TypePapermill))
	assert.False(t, ok)
	assert.Contains(t, reason, "papermill")
}

func TestRemoteBatchConfigErrors(t *testing.T) {
	a := newAreas(t)
	_, err := NewRemoteBatch(a.config(), RemoteConfig{})
	assert.Error(t, err)

	_, err = NewRemoteBatch(a.config(), RemoteConfig{Target: script.SSHTarget{Host: "h"}, Mode: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewRemoteBatch(a.config(), RemoteConfig{Target: script.SSHTarget{Host: "h"}, Client: "telnet"})
	assert.Error(t, err)
}

// installFakeSSH puts an ssh stand-in first on PATH.
func installFakeSSH(t *testing.T, body string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "ssh"), []byte("#!/bin/sh\n"+body), 0o755))
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestRemoteBatchScriptModeDone(t *testing.T) {
	installFakeSSH(t, "cat > /dev/null\ntouch \"$CONDUCTOR_JOB_DIR/done\"\n")
	a := newAreas(t)
	c := newRemote(t, a, RemoteConfig{Mode: ModeScript})

	dir := enqueue(t, a.queue, job.New("s-1", job.TypeBash), "true\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, out.Status, out.Error)
	assert.FileExists(t, filepath.Join(assertDrained(t, a, "s-1"), jobdir.DoneFile))
}

func TestRemoteBatchScriptModeTimeout(t *testing.T) {
	installFakeSSH(t, "cat > /dev/null\nexit 0\n")
	a := newAreas(t)
	c := newRemote(t, a, RemoteConfig{Mode: ModeScript})

	dir := enqueue(t, a.queue, job.New("s-2", job.TypeBash), "true\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.Equal(t, "Job execution failed. remote completion timed out: no done marker after 3 polls (3ms)", out.Error)
}

func TestRemoteBatchScriptModeUnreachable(t *testing.T) {
	installFakeSSH(t, "echo x >> \"$CONDUCTOR_JOB_DIR/attempts\"\nexit 255\n")
	a := newAreas(t)
	c := newRemote(t, a, RemoteConfig{Mode: ModeScript})

	dir := enqueue(t, a.queue, job.New("s-3", job.TypeBash), "true\n")
	out, err := c.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, out.Status)
	assert.Equal(t, MsgNonZero, out.Error)

	data, err := os.ReadFile(filepath.Join(assertDrained(t, a, "s-3"), "attempts"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "x"))
}

func TestRemoteBatchRender(t *testing.T) {
	a := newAreas(t)
	c := newRemote(t, a, RemoteConfig{Shell: &clusterShell{}, BatchArgs: []string{"scrun"}, RemoteDir: "/scratch/jobs"})

	s, err := c.Render("/q/r-9", job.New("r-9", job.TypeBash))
	require.NoError(t, err)
	assert.Equal(t, script.FlavorScrun, s.Flavor.Kind)
	assert.Equal(t, "cd /scratch/jobs && bash -s", s.RemoteCommand)
	assert.Contains(t, s.StartContainer[1], "$DOCKER_SECURITY")
	assert.Contains(t, script.Lines(s.Connect), "ssh -o BatchMode=yes -i /keys/id ops@hpc.example 'cd /scratch/jobs && bash -s' < /q/r-9/startcontainer.sh")

	bad := job.New("r-10", job.TypeBash)
	bad.Parameters = map[string]any{"remote": map[string]any{"flavour": "typo"}}
	_, err = c.Render("/q/r-10", bad)
	assert.Error(t, err)
}
