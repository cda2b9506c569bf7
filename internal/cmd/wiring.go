package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/conductor/internal/config"
	"github.com/3leaps/conductor/pkg/conductor"
	"github.com/3leaps/conductor/pkg/dispatch"
	"github.com/3leaps/conductor/pkg/export"
	"github.com/3leaps/conductor/pkg/ledger"
	"github.com/3leaps/conductor/pkg/remote"
	"github.com/3leaps/conductor/pkg/script"
)

func conductorConfig(cfg *config.Config, logger *zap.Logger, name string) conductor.Config {
	return conductor.Config{
		QueueDir:     cfg.QueueDir,
		OutputDir:    cfg.OutputDir,
		DisplayName:  name,
		PollInterval: cfg.PollInterval,
		WorkDir:      cfg.WorkDir,
		Logger:       logger,
	}
}

func remoteConfig(cfg *config.Config) conductor.RemoteConfig {
	r := cfg.Remote
	return conductor.RemoteConfig{
		Target: script.SSHTarget{
			User:    r.User,
			Host:    r.Host,
			Port:    r.Port,
			KeyPath: r.KeyPath,
		},
		KnownHostsPath: r.KnownHosts,
		RemoteDir:      r.RemoteDir,
		Image:          r.Image,
		BatchArgs:      r.BatchArgs,
		Mode:           conductor.RemoteMode(r.Mode),
		Client:         conductor.RemoteClient(r.Client),
		Protocol: remote.Protocol{
			Connect:    remote.Phase{Name: "connect", Retries: r.ConnectRetries, Interval: r.ConnectInterval},
			Completion: remote.Phase{Name: "completion", Retries: r.PollRetries, Interval: r.PollInterval},
		},
		Bash: cfg.Shell.Binary,
	}
}

// buildConductors returns the enabled conductors in offer order.
func buildConductors(cfg *config.Config, logger *zap.Logger) ([]conductor.Conductor, error) {
	var out []conductor.Conductor

	if cfg.Conductors.Shell.Enabled {
		c, err := conductor.NewLocalShell(conductorConfig(cfg, logger, cfg.Conductors.Shell.Name), cfg.Shell.Binary)
		if err != nil {
			return nil, fmt.Errorf("local shell conductor: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Conductors.Interpreter.Enabled {
		c, err := conductor.NewLocalInterpreter(conductorConfig(cfg, logger, cfg.Conductors.Interpreter.Name),
			cfg.Interpreter.Python, cfg.Interpreter.Papermill)
		if err != nil {
			return nil, fmt.Errorf("local interpreter conductor: %w", err)
		}
		out = append(out, c)
	}
	if cfg.Conductors.Remote.Enabled {
		c, err := conductor.NewRemoteBatch(conductorConfig(cfg, logger, cfg.Conductors.Remote.Name), remoteConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("remote batch conductor: %w", err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no conductor is enabled")
	}
	return out, nil
}

// openLedger returns nil when the ledger is disabled.
func openLedger(ctx context.Context, cfg *config.Config) (*ledger.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}
	l, err := ledger.Open(ctx, ledger.Config{
		Path:      cfg.Ledger.Path,
		URL:       cfg.Ledger.URL,
		AuthToken: cfg.Ledger.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}

func exportConfig(cfg *config.Config) export.Config {
	x := cfg.Export
	return export.Config{
		Bucket:         x.Bucket,
		Prefix:         x.Prefix,
		Region:         x.Region,
		Endpoint:       x.Endpoint,
		Profile:        x.Profile,
		ForcePathStyle: x.ForcePathStyle,
		Includes:       x.Includes,
		Excludes:       x.Excludes,
	}
}

// buildExporter returns nil when export is disabled.
func buildExporter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*export.Exporter, error) {
	if !cfg.Export.Enabled {
		return nil, nil
	}
	xc := exportConfig(cfg)
	u, err := export.NewS3Uploader(ctx, xc)
	if err != nil {
		return nil, fmt.Errorf("export uploader: %w", err)
	}
	return export.New(u, xc, logger)
}

func inventory(cfg *config.Config) dispatch.Inventory {
	return dispatch.Inventory{QueueDir: cfg.QueueDir, OutputDir: cfg.OutputDir}
}
