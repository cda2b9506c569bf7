// Package cmd implements the conductor command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/conductor/internal/config"
	"github.com/3leaps/conductor/internal/observability"
)

// VersionInfo is stamped by the linker through SetVersionInfo.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command and the
// HTTP /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Run queued workflow jobs on local and remote execution backends",
	Long: `conductor drains a queue area of job directories. Each job is offered to
the enabled conductors (local shell, local interpreter, remote batch); the
first eligible one runs it, records DONE or FAILED in job.yml and moves the
directory to the output area.

Configuration is read from defaults, an optional YAML file, CONDUCTOR_*
environment variables and flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		observability.InitCLILogger(config.AppName, verbose)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default $XDG_CONFIG_HOME/conductor/conductor.yaml)")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.String("queue-dir", "", "Queue area (overrides queue_dir)")
	pf.String("output-dir", "", "Output area (overrides output_dir)")
	pf.String("log-level", "", "Log level for long-running commands: debug, info, warn, error")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signalContext(context.Background())
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeOf(err)
	}
	return 0
}

// loadConfig builds and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadRawConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, exitError(exitConfig, "Invalid configuration", err)
	}
	return cfg, nil
}

// loadRawConfig applies persistent flags as runtime overrides.
func loadRawConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	overrides := map[string]any{}
	if v, _ := cmd.Flags().GetString("queue-dir"); strings.TrimSpace(v) != "" {
		overrides["queue_dir"] = v
	}
	if v, _ := cmd.Flags().GetString("output-dir"); strings.TrimSpace(v) != "" {
		overrides["output_dir"] = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); strings.TrimSpace(v) != "" {
		overrides["logging"] = map[string]any{"level": v}
	}

	cfg, err := config.LoadFile(cmd.Context(), path, overrides)
	if err != nil {
		return nil, exitError(exitConfig, "Failed to load configuration", err)
	}
	return cfg, nil
}
