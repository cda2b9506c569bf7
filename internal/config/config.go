// Package config loads conductor settings from defaults, an optional YAML
// file, CONDUCTOR_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AppName names the binary, the config file and the data directory.
const AppName = "conductor"

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CONDUCTOR"

type Config struct {
	QueueDir     string        `mapstructure:"queue_dir"`
	OutputDir    string        `mapstructure:"output_dir"`
	WorkDir      string        `mapstructure:"work_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Conductors  ConductorsConfig  `mapstructure:"conductors"`
	Shell       ShellConfig       `mapstructure:"shell"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Remote      RemoteConfig      `mapstructure:"remote"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Export      ExportConfig      `mapstructure:"export"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ConductorsConfig switches conductor variants on and off. Enabled
// conductors are offered jobs in the order shell, interpreter, remote.
type ConductorsConfig struct {
	Shell       ToggleConfig `mapstructure:"shell"`
	Interpreter ToggleConfig `mapstructure:"interpreter"`
	Remote      ToggleConfig `mapstructure:"remote"`
}

type ToggleConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

type ShellConfig struct {
	Binary string `mapstructure:"binary"`
}

type InterpreterConfig struct {
	Python    string `mapstructure:"python"`
	Papermill string `mapstructure:"papermill"`
}

type RemoteConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"`
	RemoteDir  string `mapstructure:"remote_dir"`
	Image      string `mapstructure:"image"`

	// BatchArgs selects the batch flavor: none, srun, sbatch or scrun,
	// followed by flavor arguments.
	BatchArgs []string `mapstructure:"batch_args"`

	// Mode is native (in-process protocol) or script (generated connect.sh).
	Mode string `mapstructure:"mode"`

	// Client is exec (system ssh) or native (built-in ssh client).
	Client string `mapstructure:"client"`

	ConnectRetries  int           `mapstructure:"connect_retries"`
	ConnectInterval time.Duration `mapstructure:"connect_interval"`
	PollRetries     int           `mapstructure:"poll_retries"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

type LedgerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type ExportConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Bucket         string   `mapstructure:"bucket"`
	Prefix         string   `mapstructure:"prefix"`
	Region         string   `mapstructure:"region"`
	Endpoint       string   `mapstructure:"endpoint"`
	Profile        string   `mapstructure:"profile"`
	ForcePathStyle bool     `mapstructure:"force_path_style"`
	Includes       []string `mapstructure:"includes"`
	Excludes       []string `mapstructure:"excludes"`
}

type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`

	// Format is console or json.
	Format string `mapstructure:"format"`
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.QueueDir) == "" {
		errs = append(errs, errors.New("queue_dir is required"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.QueueDir != "" && c.QueueDir == c.OutputDir {
		errs = append(errs, errors.New("queue_dir and output_dir must differ"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.Conductors.Remote.Enabled {
		if strings.TrimSpace(c.Remote.Host) == "" {
			errs = append(errs, errors.New("remote.host is required when the remote conductor is enabled"))
		}
		switch c.Remote.Mode {
		case "native", "script":
		default:
			errs = append(errs, fmt.Errorf("remote.mode must be native or script, got %q", c.Remote.Mode))
		}
		switch c.Remote.Client {
		case "exec", "native":
		default:
			errs = append(errs, fmt.Errorf("remote.client must be exec or native, got %q", c.Remote.Client))
		}
		if c.Remote.ConnectRetries < 0 || c.Remote.PollRetries <= 0 {
			errs = append(errs, errors.New("remote retry bounds must be non-negative and poll_retries positive"))
		}
	}
	if c.Export.Enabled && strings.TrimSpace(c.Export.Bucket) == "" {
		errs = append(errs, errors.New("export.bucket is required when export is enabled"))
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" && c.Ledger.URL == "" {
		errs = append(errs, errors.New("ledger.path or ledger.url is required when the ledger is enabled"))
	}
	return errors.Join(errs...)
}

// AnyConductorEnabled reports whether at least one conductor is on.
func (c *Config) AnyConductorEnabled() bool {
	return c.Conductors.Shell.Enabled || c.Conductors.Interpreter.Enabled || c.Conductors.Remote.Enabled
}
