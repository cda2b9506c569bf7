package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/conductor/internal/config"
	"github.com/3leaps/conductor/internal/observability"
	"github.com/3leaps/conductor/internal/server"
	"github.com/3leaps/conductor/internal/server/handlers"
	"github.com/3leaps/conductor/pkg/dispatch"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/ledger"
	"github.com/3leaps/conductor/pkg/output"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain the queue area continuously",
	Long: `Poll the queue area and hand every job to the first eligible conductor.

With --once a single pass is made and the command exits. With --serve (or
server.enabled) the read-only HTTP API runs alongside the dispatcher.

Examples:
  conductor run
  conductor run --once --json
  conductor run --serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("once", false, "Make a single dispatch pass and exit")
	runCmd.Flags().Bool("json", false, "With --once, print the pass summary as JSON")
	runCmd.Flags().Bool("serve", false, "Serve the HTTP API (overrides server.enabled)")
	runCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	runCmd.Flags().String("events", "", "Append JSONL dispatch events to this file (- for stdout)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	once, _ := cmd.Flags().GetBool("once")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		cfg.Server.Enabled = true
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	logger, err := serviceLogger(cfg)
	if err != nil {
		return exitError(exitConfig, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	events, closeEvents, err := openEvents(cmd)
	if err != nil {
		return err
	}
	defer closeEvents()

	rt, err := buildDispatcher(ctx, cfg, logger, events)
	if err != nil {
		return err
	}
	defer rt.close()
	d := rt.dispatcher

	if once {
		pass, err := d.RunOnce(ctx)
		if err != nil {
			return exitError(exitRead, "Dispatch pass failed", err)
		}
		return printPass(cmd, pass, jsonOutput)
	}

	logger.Info("Conductor started",
		zap.String("queue_dir", cfg.QueueDir),
		zap.String("output_dir", cfg.OutputDir),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("version", versionInfo.Version))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	if cfg.Server.Enabled {
		srv := newServer(cfg, logger, rt.history())
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.ShutdownTimeout) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(exitUnavailable, "Conductor stopped", err)
	}
	logger.Info("Conductor stopped")
	return nil
}

func serviceLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(observability.Options{
		Name:   config.AppName,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// dispatchRuntime is a wired dispatcher and the resources it holds.
type dispatchRuntime struct {
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
}

func (rt *dispatchRuntime) close() {
	if rt.ledger != nil {
		_ = rt.ledger.Close()
	}
}

// history is nil when the ledger is disabled.
func (rt *dispatchRuntime) history() handlers.History {
	if rt.ledger == nil {
		return nil
	}
	return rt.ledger
}

// buildDispatcher wires conductors, ledger and exporter.
func buildDispatcher(ctx context.Context, cfg *config.Config, logger *zap.Logger, events output.Writer) (*dispatchRuntime, error) {
	conductors, err := buildConductors(cfg, logger)
	if err != nil {
		return nil, exitError(exitConfig, "Failed to configure conductors", err)
	}

	opts := dispatch.Options{
		QueueDir:   cfg.QueueDir,
		Conductors: conductors,
		Interval:   cfg.PollInterval,
		Events:     events,
		Logger:     logger,
	}
	rt := &dispatchRuntime{}

	l, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, exitError(exitUnavailable, "Failed to open execution ledger", err)
	}
	if l != nil {
		rt.ledger = l
		opts.Ledger = l
	}

	x, err := buildExporter(ctx, cfg, logger)
	if err != nil {
		rt.close()
		return nil, exitError(exitUnavailable, "Failed to configure export", err)
	}
	if x != nil {
		opts.Exporter = x
	}

	d, err := dispatch.New(opts)
	if err != nil {
		rt.close()
		return nil, exitError(exitConfig, "Failed to create dispatcher", err)
	}
	rt.dispatcher = d
	return rt, nil
}

// openEvents returns a nil writer when --events is unset.
func openEvents(cmd *cobra.Command) (output.Writer, func(), error) {
	path, _ := cmd.Flags().GetString("events")
	if path == "" {
		return nil, func() {}, nil
	}
	source, _ := os.Hostname()
	if path == "-" {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), source)
		return w, func() { _ = w.Close() }, nil
	}
	// #nosec G302 G304 -- operator-chosen event log
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, exitError(exitWrite, "Failed to open event log", err)
	}
	w := output.NewJSONLWriter(f, source)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func newServer(cfg *config.Config, logger *zap.Logger, history handlers.History) *server.Server {
	health := handlers.NewHealthManager(versionInfo.Version)
	for name, dir := range map[string]string{"queue_area": cfg.QueueDir, "output_area": cfg.OutputDir} {
		health.RegisterChecker(name, handlers.CheckerFunc(func(context.Context) error {
			return jobdir.EnsureArea(dir)
		}))
	}

	return server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		server.WithHealth(health),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithJobs(inventory(cfg), history),
	)
}

func printPass(cmd *cobra.Command, pass dispatch.Pass, jsonOutput bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		summary := struct {
			PassID     string              `json:"pass_id"`
			Executions []outcomeJSON       `json:"executions"`
			Waiting    map[string][]string `json:"waiting,omitempty"`
		}{PassID: pass.ID, Executions: []outcomeJSON{}, Waiting: pass.Waiting}
		for _, ex := range pass.Executions {
			v := outcomeView(ex.Conductor, ex.Outcome)
			if v.JobID == "" && v.OutputDir != "" {
				v.JobID = filepath.Base(v.OutputDir)
			}
			if ex.Err != nil && v.Error == "" {
				v.Error = ex.Err.Error()
			}
			summary.Executions = append(summary.Executions, v)
		}
		return writeJSON(out, summary)
	}

	if len(pass.Executions) == 0 && len(pass.Waiting) == 0 {
		_, _ = fmt.Fprintln(out, "Queue is empty")
		return nil
	}
	for _, ex := range pass.Executions {
		id := ex.Outcome.JobID
		if id == "" {
			id = filepath.Base(ex.Outcome.OutputDir)
		}
		line := fmt.Sprintf("%s\t%s\t%s", id, ex.Conductor, ex.Outcome.Status)
		if ex.Outcome.Aborted {
			line += "\taborted"
		}
		if ex.Err != nil {
			line += "\t" + ex.Err.Error()
		}
		_, _ = fmt.Fprintln(out, line)
	}
	for id, reasons := range pass.Waiting {
		_, _ = fmt.Fprintf(out, "%s\twaiting\t%s\n", id, strings.Join(reasons, "; "))
	}
	return nil
}
