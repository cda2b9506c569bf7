package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/3leaps/conductor/pkg/script"
)

func hostPort(t script.SSHTarget) string {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// CommandShell runs commands through the system ssh client.
type CommandShell struct {
	Target script.SSHTarget

	// Binary defaults to "ssh".
	Binary string

	// Options are extra "-o" settings, e.g. "ConnectTimeout=10".
	Options []string
}

func (s *CommandShell) args(command string) []string {
	args := []string{"-o", "BatchMode=yes"}
	for _, opt := range s.Options {
		args = append(args, "-o", opt)
	}
	if s.Target.KeyPath != "" {
		args = append(args, "-i", s.Target.KeyPath)
	}
	if s.Target.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.Target.Port))
	}
	return append(args, s.Target.Address(), command)
}

func (s *CommandShell) Run(ctx context.Context, command string, stdin io.Reader) error {
	if strings.TrimSpace(s.Target.Host) == "" {
		return fmt.Errorf("remote host is required")
	}
	bin := s.Binary
	if bin == "" {
		bin = "ssh"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, s.args(command)...)
	cmd.Stdin = stdin
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		return fmt.Errorf("%s: %w", bin, err)
	}
	return nil
}

// SSHShell runs commands over a native SSH client connection. A new
// connection is made per Run so a dropped link costs one attempt.
type SSHShell struct {
	Target script.SSHTarget

	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string

	// DialTimeout defaults to 10s.
	DialTimeout time.Duration
}

func (s *SSHShell) clientConfig() (*ssh.ClientConfig, error) {
	if s.Target.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	pem, err := os.ReadFile(s.Target.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if s.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(s.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	user := s.Target.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

func (s *SSHShell) Run(ctx context.Context, command string, stdin io.Reader) error {
	if strings.TrimSpace(s.Target.Host) == "" {
		return fmt.Errorf("remote host is required")
	}
	cfg, err := s.clientConfig()
	if err != nil {
		return err
	}

	addr := hostPort(s.Target)
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stdin = stdin
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("remote command: %w: %s", err, msg)
		}
		return fmt.Errorf("remote command: %w", err)
	}
	return nil
}
