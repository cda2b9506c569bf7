package conductor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/remote"
	"github.com/3leaps/conductor/pkg/script"
)

// RemoteMode selects who drives the reconnect/poll protocol.
type RemoteMode string

const (
	// ModeNative runs the protocol in-process over a remote.Shell.
	ModeNative RemoteMode = "native"

	// ModeScript runs the generated connect.sh, which carries the same
	// protocol as shell loops.
	ModeScript RemoteMode = "script"
)

// RemoteClient selects the Shell used in native mode.
type RemoteClient string

const (
	ClientExec   RemoteClient = "exec"
	ClientNative RemoteClient = "native"
)

// RemoteConfig configures a RemoteBatch conductor.
type RemoteConfig struct {
	Target         script.SSHTarget
	KnownHostsPath string

	// RemoteDir is the directory the start script runs from on the host.
	RemoteDir string
	Image     string

	// BatchArgs is the default batch-flavor argument list; a job may
	// override it under parameters.remote.batch_args.
	BatchArgs []string

	Mode   RemoteMode
	Client RemoteClient

	// Protocol bounds both phases. Zero-valued phases take the defaults.
	Protocol remote.Protocol

	// Shell replaces the client chosen by Client.
	Shell remote.Shell

	// Bash runs connect.sh in script mode.
	Bash string
}

// remoteParams is the per-job override read from parameters.remote.
type remoteParams struct {
	BatchArgs []string `yaml:"batch_args"`
	Image     string   `yaml:"image"`
}

// RemoteBatch runs bash and python jobs in a container on a batch cluster
// reached over ssh. Completion is signalled by the job creating the done
// marker in its directory.
type RemoteBatch struct {
	base
	remote RemoteConfig
}

// NewRemoteBatch returns a RemoteBatch conductor.
func NewRemoteBatch(cfg Config, rc RemoteConfig) (*RemoteBatch, error) {
	b, err := newBase(cfg, "remote-batch", []job.Type{job.TypeBash, job.TypePython})
	if err != nil {
		return nil, err
	}
	if rc.Shell == nil && strings.TrimSpace(rc.Target.Host) == "" {
		return nil, errors.New("remote host is required")
	}

	def := remote.DefaultProtocol()
	if rc.Protocol.Connect.Name == "" {
		rc.Protocol.Connect.Name = def.Connect.Name
	}
	if rc.Protocol.Connect.Retries == 0 && rc.Protocol.Connect.Interval == 0 {
		rc.Protocol.Connect = def.Connect
	}
	if rc.Protocol.Completion.Name == "" {
		rc.Protocol.Completion.Name = def.Completion.Name
	}
	if rc.Protocol.Completion.Retries <= 0 {
		rc.Protocol.Completion.Retries = def.Completion.Retries
	}
	if rc.Protocol.Completion.Interval <= 0 {
		rc.Protocol.Completion.Interval = def.Completion.Interval
	}
	rc.Protocol.Logger = b.cfg.Logger

	switch rc.Mode {
	case "":
		rc.Mode = ModeNative
	case ModeNative, ModeScript:
	default:
		return nil, fmt.Errorf("unknown remote mode %q", rc.Mode)
	}
	if rc.Bash == "" {
		rc.Bash = "bash"
	}
	if rc.Shell == nil {
		switch rc.Client {
		case "", ClientExec:
			rc.Shell = &remote.CommandShell{Target: rc.Target}
		case ClientNative:
			rc.Shell = &remote.SSHShell{Target: rc.Target, KnownHostsPath: rc.KnownHostsPath}
		default:
			return nil, fmt.Errorf("unknown remote client %q", rc.Client)
		}
	}

	c := &RemoteBatch{base: b, remote: rc}
	c.run = c.runJob
	return c, nil
}

// Scripts holds the generated script pair for one job.
type Scripts struct {
	Flavor         script.Flavor
	RemoteCommand  string
	StartContainer []string
	Connect        []string
}

// Render builds the script pair for j as it would be written into dir.
func (c *RemoteBatch) Render(dir string, j *job.Job) (Scripts, error) {
	var p remoteParams
	if err := job.DecodeParameters(j, "remote", &p); err != nil {
		return Scripts{}, err
	}
	args := c.remote.BatchArgs
	if len(p.BatchArgs) > 0 {
		args = p.BatchArgs
	}
	image := c.remote.Image
	if p.Image != "" {
		image = p.Image
	}

	flavor := script.ParseFlavor(args)
	cmd := script.RemoteCommand(flavor, c.remote.RemoteDir)
	startPath := filepath.Join(dir, jobdir.StartContainerFile)
	proto := c.remote.Protocol

	return Scripts{
		Flavor:         flavor,
		RemoteCommand:  cmd,
		StartContainer: script.StartContainer(script.StartParams{JobID: j.ID, Image: image, Flavor: flavor}),
		Connect: script.Connect(script.ConnectParams{
			Command:         script.SSHCommand(c.remote.Target, cmd, startPath),
			DonePath:        filepath.Join(dir, jobdir.DoneFile),
			ConnectRetries:  proto.Connect.Retries,
			ConnectInterval: proto.Connect.Interval,
			PollRetries:     proto.Completion.Retries,
			PollInterval:    proto.Completion.Interval,
		}),
	}, nil
}

func (c *RemoteBatch) runJob(ctx context.Context, dir string, j *job.Job) (int, error) {
	s, err := c.Render(dir, j)
	if err != nil {
		return 0, err
	}
	start := script.Lines(s.StartContainer)
	if err := writeExecutable(filepath.Join(dir, jobdir.StartContainerFile), start); err != nil {
		return 0, err
	}
	if err := writeExecutable(filepath.Join(dir, jobdir.ConnectFile), script.Lines(s.Connect)); err != nil {
		return 0, err
	}

	logger := c.cfg.Logger.With(zap.String("job_id", j.ID), zap.String("flavor", string(s.Flavor.Kind)))
	if c.remote.Mode == ModeScript {
		return c.runScript(ctx, dir, j)
	}

	rep, err := c.remote.Protocol.Run(ctx, c.remote.Shell, s.RemoteCommand, []byte(start), filepath.Join(dir, jobdir.DoneFile))
	logger.Info("remote protocol finished",
		zap.Int("connect_attempts", rep.ConnectAttempts),
		zap.Int("polls", rep.Polls),
		zap.Duration("elapsed", rep.Elapsed))
	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, remote.ErrConnectExhausted):
		logger.Warn("remote host unreachable", zap.Error(err))
		return script.ExitConnectExhausted, nil
	default:
		return 0, err
	}
}

func (c *RemoteBatch) runScript(ctx context.Context, dir string, j *job.Job) (int, error) {
	code, err := c.runLocal(ctx, dir, j, c.remote.Bash, filepath.Join(dir, jobdir.ConnectFile))
	if err != nil {
		return 0, err
	}
	if code == script.ExitCompletionTimeout {
		done := c.remote.Protocol.Completion
		return 0, &remote.TimeoutError{Polls: done.Retries, Budget: done.Budget()}
	}
	return code, nil
}

func writeExecutable(path, content string) error {
	// #nosec G306 -- generated scripts must be executable
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0755); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	return nil
}
