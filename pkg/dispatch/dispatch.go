// Package dispatch is the polling scheduler in front of the conductors. It
// walks the queue area, offers each job to the configured conductors and
// hands it to the first that accepts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/conductor/pkg/conductor"
	"github.com/3leaps/conductor/pkg/export"
	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/ledger"
	"github.com/3leaps/conductor/pkg/output"
	"github.com/3leaps/conductor/pkg/statusstore"
)

// Recorder stores execution outcomes.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) (int64, error)
}

// Exporter ships a drained job directory somewhere durable.
type Exporter interface {
	Export(ctx context.Context, dir string) (export.Report, error)
}

// Options configures a Dispatcher.
type Options struct {
	QueueDir   string
	Conductors []conductor.Conductor

	// Interval is the pause between passes in Run. Unset means the
	// shortest PollInterval the conductors report.
	Interval time.Duration

	Ledger   Recorder
	Exporter Exporter

	// Events receives one record per execution, waiting job and pass.
	Events output.Writer

	Store  *statusstore.Store
	Logger *zap.Logger
}

// Dispatcher drains the queue area through its conductors.
type Dispatcher struct {
	opts Options

	mu sync.Mutex
	// stuck holds job directories whose relocation failed; they are not
	// offered again by this process.
	stuck map[string]error
}

// New validates opts and returns a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if len(opts.Conductors) == 0 {
		return nil, errors.New("at least one conductor is required")
	}
	if err := jobdir.EnsureArea(opts.QueueDir); err != nil {
		return nil, fmt.Errorf("queue area: %w", err)
	}
	if opts.Interval <= 0 {
		opts.Interval = pollInterval(opts.Conductors)
	}
	if opts.Store == nil {
		opts.Store = statusstore.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{opts: opts, stuck: map[string]error{}}, nil
}

// pollInterval picks the shortest pause any conductor asks for.
func pollInterval(conductors []conductor.Conductor) time.Duration {
	var d time.Duration
	for _, c := range conductors {
		p, ok := c.(interface{ PollInterval() time.Duration })
		if !ok || p.PollInterval() <= 0 {
			continue
		}
		if d == 0 || p.PollInterval() < d {
			d = p.PollInterval()
		}
	}
	if d == 0 {
		return conductor.DefaultPollInterval
	}
	return d
}

// Execution pairs an outcome with the conductor that produced it.
type Execution struct {
	Conductor string
	Outcome   conductor.Outcome
	Err       error
}

// Pass summarizes one RunOnce call.
type Pass struct {
	ID         string
	Executions []Execution

	// Waiting are job ids no conductor accepted, with the reasons.
	Waiting map[string][]string
}

// RunOnce offers every job currently in the queue area once.
//
// A record that cannot be read or validated goes to the first conductor,
// whose Execute drains it with a backup error file, so a malformed job
// never blocks the queue.
func (d *Dispatcher) RunOnce(ctx context.Context) (Pass, error) {
	pass := Pass{ID: uuid.NewString(), Waiting: map[string][]string{}}
	logger := d.opts.Logger.With(zap.String("pass_id", pass.ID))
	start := time.Now()
	defer func() { d.emitPass(ctx, logger, pass, time.Since(start)) }()

	dirs, err := jobdir.List(d.opts.QueueDir)
	if err != nil {
		return pass, err
	}

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return pass, err
		}
		if d.isStuck(dir) {
			continue
		}

		var c conductor.Conductor
		j, rerr := d.opts.Store.Read(jobdir.MetaPath(dir))
		if rerr == nil {
			rerr = job.Validate(j)
		}
		if rerr != nil {
			c = d.opts.Conductors[0]
			logger.Warn("malformed job record", zap.String("job_dir", dir), zap.Error(rerr))
		} else {
			if j.Status == job.StatusRunning {
				logger.Debug("job is running under another conductor", zap.String("job_id", j.ID))
				continue
			}
			if j.Status != job.StatusQueued {
				logger.Warn("queued directory holds a non-queued record",
					zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
			}
			var reasons []string
			c, reasons = conductor.Select(d.opts.Conductors, j)
			if c == nil {
				pass.Waiting[j.ID] = reasons
				d.emit(logger, func(w output.Writer) error {
					return w.WriteWaiting(ctx, pass.ID, &output.WaitingRecord{JobID: j.ID, Reasons: reasons})
				})
				logger.Debug("no conductor accepts job", zap.String("job_id", j.ID), zap.Strings("reasons", reasons))
				continue
			}
		}

		ex, ok := d.execute(ctx, logger, c, dir)
		if !ok {
			continue
		}
		pass.Executions = append(pass.Executions, ex)
		d.emit(logger, func(w output.Writer) error {
			return w.WriteExecution(ctx, pass.ID, executionRecord(ex))
		})
	}
	return pass, nil
}

// execute runs one job. It reports false when another dispatcher owns the
// directory, in which case nothing is recorded.
func (d *Dispatcher) execute(ctx context.Context, logger *zap.Logger, c conductor.Conductor, dir string) (Execution, bool) {
	out, err := c.Execute(ctx, dir)
	ex := Execution{Conductor: c.Name(), Outcome: out, Err: err}
	switch {
	case errors.Is(err, conductor.ErrJobDirNotFound):
		// another dispatcher got there first
		logger.Debug("job directory vanished", zap.String("job_dir", dir))
		return ex, false
	case errors.Is(err, conductor.ErrAlreadyClaimed):
		logger.Debug("job claimed by another conductor", zap.String("job_dir", dir))
		return ex, false
	case err != nil:
		logger.Error("job directory could not be drained", zap.String("job_dir", dir), zap.Error(err))
		d.markStuck(dir, err)
	}

	d.record(ctx, logger, ex)
	if err == nil && !out.Aborted && d.opts.Exporter != nil {
		rep, xerr := d.opts.Exporter.Export(ctx, out.OutputDir)
		if xerr != nil {
			logger.Warn("export failed", zap.String("job_id", out.JobID), zap.Error(xerr))
		} else {
			logger.Info("job exported", zap.String("job_id", out.JobID), zap.Int("files", len(rep.Keys)))
		}
	}
	return ex, true
}

func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, ex Execution) {
	if d.opts.Ledger == nil {
		return
	}
	o := ex.Outcome
	e := ledger.Entry{
		JobID:     o.JobID,
		JobType:   string(o.JobType),
		Conductor: ex.Conductor,
		Status:    string(o.Status),
		Aborted:   o.Aborted,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Error:     o.Error,
		OutputDir: o.OutputDir,
	}
	if ex.Err != nil && e.Error == "" {
		e.Error = ex.Err.Error()
	}
	if _, err := d.opts.Ledger.Record(ctx, e); err != nil {
		logger.Warn("record execution", zap.String("job_id", o.JobID), zap.Error(err))
	}
}

func (d *Dispatcher) emit(logger *zap.Logger, write func(output.Writer) error) {
	if d.opts.Events == nil {
		return
	}
	if err := write(d.opts.Events); err != nil {
		logger.Warn("write event", zap.Error(err))
	}
}

func (d *Dispatcher) emitPass(ctx context.Context, logger *zap.Logger, pass Pass, elapsed time.Duration) {
	if len(pass.Executions) == 0 && len(pass.Waiting) == 0 {
		return
	}
	rec := &output.PassRecord{
		Executed: len(pass.Executions),
		Waiting:  len(pass.Waiting),
		Duration: elapsed.Milliseconds(),
	}
	for _, ex := range pass.Executions {
		if ex.Err != nil || ex.Outcome.Status == job.StatusFailed {
			rec.Failed++
		}
	}
	d.emit(logger, func(w output.Writer) error { return w.WritePass(ctx, pass.ID, rec) })
}

func executionRecord(ex Execution) *output.ExecutionRecord {
	o := ex.Outcome
	rec := &output.ExecutionRecord{
		JobID:     o.JobID,
		JobType:   string(o.JobType),
		Conductor: ex.Conductor,
		Status:    string(o.Status),
		Aborted:   o.Aborted,
		Error:     o.Error,
		Start:     o.StartTime,
		End:       o.EndTime,
		OutputDir: o.OutputDir,
	}
	if rec.JobID == "" && o.OutputDir != "" {
		rec.JobID = filepath.Base(o.OutputDir)
	}
	if ex.Err != nil && rec.Error == "" {
		rec.Error = ex.Err.Error()
	}
	return rec
}

func (d *Dispatcher) isStuck(dir string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.stuck[filepath.Clean(dir)]
	return ok
}

func (d *Dispatcher) markStuck(dir string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stuck[filepath.Clean(dir)] = err
}

// Run repeats RunOnce every Interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		pass, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.opts.Logger.Error("dispatch pass failed", zap.String("pass_id", pass.ID), zap.Error(err))
			d.emit(d.opts.Logger, func(w output.Writer) error {
				return w.WriteError(ctx, pass.ID, &output.ErrorRecord{Message: err.Error()})
			})
		}
		if n := len(pass.Executions); n > 0 {
			d.opts.Logger.Info("dispatch pass complete",
				zap.String("pass_id", pass.ID),
				zap.Int("executed", n),
				zap.Int("waiting", len(pass.Waiting)))
		}
		timer.Reset(d.opts.Interval)
	}
}
