package script

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Shebang heads every generated script.
	Shebang = "#!/usr/bin/env bash"

	// DefaultImage is the container image started on the cluster.
	DefaultImage = "slurm-cluster"

	// DefaultRemoteDir is the directory on the remote host the start script
	// runs from.
	DefaultRemoteDir = "cluster"

	DefaultConnectRetries  = 30
	DefaultConnectInterval = time.Second
	DefaultPollRetries     = 30000
	DefaultPollInterval    = 100 * time.Millisecond

	// ExitConnectExhausted is the connect script's exit status when the
	// remote host never accepted the start script.
	ExitConnectExhausted = 75

	// ExitCompletionTimeout is the connect script's exit status when the
	// done marker never appeared.
	ExitCompletionTimeout = 124
)

// StartParams configures the container-start script.
type StartParams struct {
	JobID  string
	Image  string
	Flavor Flavor
}

// StartContainer renders the script that launches the job's container with
// the job id injected as ID.
//
// The flavor only changes headers and the invocation prefix; the container
// command itself is identical for every flavor except scrun, which adds the
// cluster's $DOCKER_SECURITY options.
func StartContainer(p StartParams) []string {
	image := strings.TrimSpace(p.Image)
	if image == "" {
		image = DefaultImage
	}

	security := ""
	if p.Flavor.Kind == FlavorScrun {
		security = "$DOCKER_SECURITY "
	}
	run := fmt.Sprintf("docker run %s--cap-add SYS_ADMIN --device /dev/fuse -e ID=%s %s", security, p.JobID, image)

	lines := []string{Shebang}
	switch p.Flavor.Kind {
	case FlavorSbatch:
		lines = append(lines, p.Flavor.Args...)
	case FlavorSrun:
		prefix := "srun "
		if len(p.Flavor.Args) == 1 && strings.TrimSpace(p.Flavor.Args[0]) != "" {
			prefix += p.Flavor.Args[0] + " "
		}
		run = prefix + run
	}
	return append(lines, run)
}

// RemoteCommand is the command run on the remote host with the start script
// on stdin: sbatch reads it as a batch script, every other flavor pipes it
// into bash.
func RemoteCommand(f Flavor, remoteDir string) string {
	if strings.TrimSpace(remoteDir) == "" {
		remoteDir = DefaultRemoteDir
	}
	if f.Kind == FlavorSbatch {
		return "cd " + Quote(remoteDir) + " && sbatch"
	}
	return "cd " + Quote(remoteDir) + " && bash -s"
}

// SSHTarget addresses the remote host.
type SSHTarget struct {
	User    string
	Host    string
	Port    int
	KeyPath string
}

// Address returns user@host, or host when no user is set.
func (t SSHTarget) Address() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// SSHCommand renders an ssh invocation running remoteCmd with stdinPath
// redirected into it.
func SSHCommand(t SSHTarget, remoteCmd, stdinPath string) string {
	parts := []string{"ssh", "-o", "BatchMode=yes"}
	if t.KeyPath != "" {
		parts = append(parts, "-i", Quote(t.KeyPath))
	}
	if t.Port > 0 {
		parts = append(parts, "-p", strconv.Itoa(t.Port))
	}
	parts = append(parts, Quote(t.Address()), Quote(remoteCmd))
	return strings.Join(parts, " ") + " < " + Quote(stdinPath)
}

// ConnectParams configures the connect/poll script.
type ConnectParams struct {
	// Command is the remote invocation retried in the connect phase,
	// normally an SSHCommand.
	Command string

	// DonePath is the marker file whose appearance ends the poll phase.
	DonePath string

	ConnectRetries  int
	ConnectInterval time.Duration
	PollRetries     int
	PollInterval    time.Duration
}

func (p ConnectParams) withDefaults() ConnectParams {
	if p.ConnectRetries < 0 {
		p.ConnectRetries = 0
	}
	if p.PollRetries <= 0 {
		p.PollRetries = DefaultPollRetries
	}
	return p
}

// Connect renders the two-phase script: run Command, retrying up to
// ConnectRetries more times ConnectInterval apart; then wait for DonePath,
// checking up to PollRetries times PollInterval apart.
//
// Both phases end with an explicit exit status: 0 when the marker appears,
// ExitConnectExhausted when every connect attempt failed and
// ExitCompletionTimeout when polling runs out.
func Connect(p ConnectParams) []string {
	p = p.withDefaults()
	target := Quote(p.DonePath)

	return []string{
		Shebang,
		"attempt=0",
		p.Command,
		"res=$?",
		fmt.Sprintf("while [ $res -ne 0 ] && [ $attempt -lt %d ]; do", p.ConnectRetries),
		"\tattempt=$((attempt+1))",
		"\tsleep " + seconds(p.ConnectInterval),
		"\techo \"reconnect attempt $attempt\"",
		"\t" + p.Command,
		"\tres=$?",
		"done",
		"if [ $res -ne 0 ]; then",
		"\techo \"remote host unreachable after $((attempt+1)) attempts\" >&2",
		fmt.Sprintf("\texit %d", ExitConnectExhausted),
		"fi",
		"target=" + target,
		"if [ -e \"$target\" ]; then",
		"\texit 0",
		"fi",
		"polls=0",
		fmt.Sprintf("while [ $polls -lt %d ]; do", p.PollRetries),
		"\tpolls=$((polls+1))",
		"\tsleep " + seconds(p.PollInterval),
		"\tif [ -e \"$target\" ]; then",
		"\t\techo \"done file found after: $polls\"",
		"\t\texit 0",
		"\tfi",
		"done",
		"echo \"no done file after $polls polls\" >&2",
		fmt.Sprintf("exit %d", ExitCompletionTimeout),
	}
}

// Lines joins script lines with a trailing newline.
func Lines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// Quote single-quotes s for POSIX shells.
func Quote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./-_", r)
}

func seconds(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
