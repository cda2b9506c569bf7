// Package runner starts job processes and reduces their termination to an
// exit code.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ErrEmptyCommand is returned when Command.Path is blank.
var ErrEmptyCommand = errors.New("runner: empty command")

// Command describes one job process.
type Command struct {
	Path string
	Args []string
	Dir  string

	// Env entries are appended to the parent environment.
	Env []string

	// StdoutPath and StderrPath, when set, receive the process output.
	// Existing files are truncated.
	StdoutPath string
	StderrPath string

	// Stdin feeds the process. Nil means no input.
	Stdin io.Reader

	// KillGrace is how long a cancelled process group gets between SIGTERM
	// and SIGKILL. Zero uses DefaultKillGrace.
	KillGrace time.Duration
}

// DefaultKillGrace is the delay between SIGTERM and SIGKILL on cancellation.
const DefaultKillGrace = 5 * time.Second

// Result is the termination of a process that started.
type Result struct {
	ExitCode int
	Duration time.Duration

	// Signal is set when the process was killed by a signal. ExitCode is
	// then 128 plus the signal number.
	Signal syscall.Signal
}

// Success reports a zero exit code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Run starts cmd and waits for it.
//
// An error means the process could not be started or its output files
// could not be opened. A process that ran and failed is not an error: its
// exit status is in the Result.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return Result{}, ErrEmptyCommand
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdin = cmd.Stdin
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = cmd.KillGrace
	if c.WaitDelay <= 0 {
		c.WaitDelay = DefaultKillGrace
	}

	var closers []io.Closer
	defer func() {
		for _, cl := range closers {
			_ = cl.Close()
		}
	}()
	if cmd.StdoutPath != "" {
		f, err := os.Create(cmd.StdoutPath)
		if err != nil {
			return Result{}, fmt.Errorf("create stdout log: %w", err)
		}
		closers = append(closers, f)
		c.Stdout = f
	}
	if cmd.StderrPath != "" {
		f, err := os.Create(cmd.StderrPath)
		if err != nil {
			return Result{}, fmt.Errorf("create stderr log: %w", err)
		}
		closers = append(closers, f)
		c.Stderr = f
	}

	started := time.Now()
	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	waitErr := c.Wait()
	res := Result{Duration: time.Since(started)}

	if c.ProcessState == nil {
		return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
	}
	res.ExitCode, res.Signal = exitStatus(c.ProcessState)
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
		}
	}
	return res, nil
}

func exitStatus(ps *os.ProcessState) (int, syscall.Signal) {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal()
	}
	return ps.ExitCode(), 0
}
