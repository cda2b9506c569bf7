package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/conductor/internal/config"
	"github.com/3leaps/conductor/internal/observability"
	"github.com/3leaps/conductor/pkg/jobdir"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration, the queue and output areas
and the tools each enabled conductor needs.

Examples:
  conductor doctor
  conductor doctor --export   # also check AWS credentials for export`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("export", false, "Check AWS credentials used by export")
}

// doctorCheck is one diagnostic. A nil result passes.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	withExport, _ := cmd.Flags().GetBool("export")
	logger := observability.CLILogger

	logger.Info("=== conductor doctor ===")

	cfg, cfgErr := loadRawConfig(cmd)
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) { return runtime.Version(), nil }},
		{"Gofulmen", func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Gofulmen == "" {
				return "", fmt.Errorf("cannot determine gofulmen version")
			}
			return "v" + v.Gofulmen + " (crucible v" + v.Crucible + ")", nil
		}},
		{"Configuration", func(context.Context) (string, error) {
			if cfgErr != nil {
				return "", cfgErr
			}
			if err := cfg.Validate(); err != nil {
				return "", err
			}
			return orDash(config.DefaultConfigFile()), nil
		}},
	}

	if cfg != nil {
		checks = append(checks, conductorChecks(cfg, withExport)...)
	}

	failed := 0
	for i, c := range checks {
		detail, err := c.run(cmd.Context())
		prefix := fmt.Sprintf("[%d/%d] %s...", i+1, len(checks), c.name)
		if err != nil {
			failed++
			logger.Error(prefix+" failed", zap.Error(err))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s FAIL: %v\n", prefix, err)
			continue
		}
		logger.Info(prefix+" ok", zap.String("detail", detail))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s ok %s\n", prefix, detail)
	}

	if failed > 0 {
		return exitError(exitUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "All checks passed")
	return nil
}

func conductorChecks(cfg *config.Config, withExport bool) []doctorCheck {
	areaCheck := func(path string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			if err := jobdir.EnsureArea(path); err != nil {
				return "", err
			}
			return path, nil
		}
	}
	toolCheck := func(tool string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) {
			return exec.LookPath(tool)
		}
	}

	checks := []doctorCheck{
		{"Queue area", areaCheck(cfg.QueueDir)},
		{"Output area", areaCheck(cfg.OutputDir)},
	}
	if cfg.Conductors.Shell.Enabled {
		checks = append(checks, doctorCheck{"Shell (" + cfg.Shell.Binary + ")", toolCheck(cfg.Shell.Binary)})
	}
	if cfg.Conductors.Interpreter.Enabled {
		checks = append(checks,
			doctorCheck{"Python (" + cfg.Interpreter.Python + ")", toolCheck(cfg.Interpreter.Python)},
			doctorCheck{"Papermill (" + cfg.Interpreter.Papermill + ")", toolCheck(cfg.Interpreter.Papermill)},
		)
	}
	if cfg.Conductors.Remote.Enabled && cfg.Remote.Client == "exec" {
		checks = append(checks, doctorCheck{"SSH client", toolCheck("ssh")})
	}
	if cfg.Ledger.Enabled {
		checks = append(checks, doctorCheck{"Execution ledger", func(ctx context.Context) (string, error) {
			l, err := openLedger(ctx, cfg)
			if err != nil {
				return "", err
			}
			_ = l.Close()
			if cfg.Ledger.URL != "" {
				return "remote", nil
			}
			return cfg.Ledger.Path, nil
		}})
	}
	if withExport {
		checks = append(checks, doctorCheck{"AWS credentials", func(ctx context.Context) (string, error) {
			opts := []func(*awsconfig.LoadOptions) error{}
			if cfg.Export.Profile != "" {
				opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Export.Profile))
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
			if err != nil {
				return "", err
			}
			creds, err := awsCfg.Credentials.Retrieve(ctx)
			if err != nil {
				return "", err
			}
			return maskSecret(creds.AccessKeyID) + " via " + orDash(creds.Source), nil
		}})
	}
	return checks
}
