// Package conductor runs queued jobs against an execution backend.
//
// A scheduler offers a job to each Conductor through Eligible and hands the
// job directory to the first one that accepts it. Execute moves the record
// QUEUED -> RUNNING -> DONE|FAILED and always finishes by relocating the
// directory from the queue area to the output area, whatever happened in
// between.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/conductor/pkg/job"
	"github.com/3leaps/conductor/pkg/jobdir"
	"github.com/3leaps/conductor/pkg/statusstore"
)

const (
	// MsgNonZero is recorded when the job ran and exited unsuccessfully.
	MsgNonZero = "Job execution returned non-zero."

	// MsgFailedPrefix starts the error recorded when the run step itself
	// failed; the cause follows.
	MsgFailedPrefix = "Job execution failed."

	// EnvJobID and EnvJobDir are exported to every job process.
	EnvJobID  = "CONDUCTOR_JOB_ID"
	EnvJobDir = "CONDUCTOR_JOB_DIR"
)

// ErrJobDirNotFound is returned by Execute when the job directory does not
// exist. Nothing is recorded in that case.
var ErrJobDirNotFound = jobdir.ErrNotFound

// ErrAlreadyClaimed is returned by Execute when the record is already
// RUNNING under another conductor. The directory is left untouched.
var ErrAlreadyClaimed = errors.New("job already claimed by another conductor")

// Conductor is one execution backend.
type Conductor interface {
	Name() string
	Types() []job.Type

	// Eligible reports whether the conductor would run j, and why not.
	// It never mutates j or touches the filesystem.
	Eligible(j *job.Job) (bool, string)

	// Execute runs the job in dir and relocates dir to the output area.
	// Only ErrJobDirNotFound, ErrAlreadyClaimed and *jobdir.RelocationError
	// are returned; every other failure is recorded in the job itself.
	Execute(ctx context.Context, dir string) (Outcome, error)
}

// Outcome summarizes one Execute call.
type Outcome struct {
	JobID   string
	JobType job.Type

	// Status is the record's final status. For an aborted job it is the
	// status the record held when it was rejected, or empty when the
	// record could not be read.
	Status job.Status

	// Aborted is set when the record was unreadable or invalid and a backup
	// error file was written instead of a status update.
	Aborted bool

	Error     string
	StartTime *time.Time
	EndTime   *time.Time

	// OutputDir is where the job directory ended up.
	OutputDir string
}

// Config is shared by every conductor variant.
type Config struct {
	QueueDir  string
	OutputDir string

	// DisplayName overrides the variant name in logs and outcomes.
	DisplayName string

	// PollInterval is the pause a scheduler should take between passes.
	// Conductors only report it; see PollInterval on each variant.
	PollInterval time.Duration

	// WorkDir is the working directory for local job processes. Empty means
	// the process working directory at construction time.
	WorkDir string

	Logger *zap.Logger
	Store  *statusstore.Store

	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 5 * time.Second

func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.QueueDir) == "" {
		return c, errors.New("queue directory is required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return c, errors.New("output directory is required")
	}
	if err := jobdir.EnsureArea(c.QueueDir); err != nil {
		return c, fmt.Errorf("queue area: %w", err)
	}
	if err := jobdir.EnsureArea(c.OutputDir); err != nil {
		return c, fmt.Errorf("output area: %w", err)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, fmt.Errorf("resolve working directory: %w", err)
		}
		c.WorkDir = wd
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Store == nil {
		c.Store = statusstore.New()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// runFunc is a variant's run step. A non-nil error means the job could not
// be run at all; otherwise exitCode is the job's termination status.
type runFunc func(ctx context.Context, dir string, j *job.Job) (exitCode int, err error)

// base carries the execute protocol shared by every variant.
type base struct {
	cfg   Config
	name  string
	types []job.Type
	run   runFunc
}

func newBase(cfg Config, name string, types []job.Type) (base, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return base{}, err
	}
	if cfg.DisplayName != "" {
		name = cfg.DisplayName
	}
	cfg.Logger = cfg.Logger.With(zap.String("conductor", name))
	return base{cfg: cfg, name: name, types: types}, nil
}

func (b *base) Name() string { return b.name }

func (b *base) Types() []job.Type { return slices.Clone(b.types) }

// Config returns the resolved configuration.
func (b *base) Config() Config { return b.cfg }

// PollInterval is the pause between scheduler passes this conductor asks for.
func (b *base) PollInterval() time.Duration { return b.cfg.PollInterval }

func (b *base) Eligible(j *job.Job) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			ok, reason = false, fmt.Sprintf("eligibility check failed: %v", r)
		}
	}()
	if err := b.check(j); err != nil {
		return false, err.Error()
	}
	return true, ""
}

func (b *base) check(j *job.Job) error {
	if j == nil {
		return errors.New("job record is nil")
	}
	if err := job.Validate(j); err != nil {
		return err
	}
	if !slices.Contains(b.types, j.Type) {
		return fmt.Errorf("%s does not run %s jobs", b.name, j.Type)
	}
	return nil
}

func (b *base) Execute(ctx context.Context, dir string) (Outcome, error) {
	if err := jobdir.ValidDirPath(dir, true); err != nil {
		return Outcome{}, err
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	meta := jobdir.MetaPath(dir)
	logger := b.cfg.Logger.With(zap.String("job_dir", dir))
	out := Outcome{JobID: filepath.Base(dir)}

	j, err := b.cfg.Store.Read(meta)
	if err == nil {
		out.Status = j.Status
		err = b.check(j)
	}
	if err == nil {
		out.JobID, out.JobType = j.ID, j.Type
		logger = logger.With(zap.String("job_id", j.ID))
		var claimed *job.Job
		claimed, err = b.cfg.Store.Update(meta, job.Running(b.cfg.Now()))
		if err == nil {
			j = claimed
		}
	}

	var te *job.TransitionError
	if errors.As(err, &te) && te.From == job.StatusRunning {
		logger.Info("job already running elsewhere, skipping")
		out.Status = job.StatusRunning
		return out, ErrAlreadyClaimed
	}

	if err != nil {
		out.Aborted = true
		out.Error = err.Error()
		logger.Warn("received incorrectly set up job", zap.Error(err))
		if _, werr := jobdir.WriteBackupError(dir, err); werr != nil {
			logger.Error("write backup error", zap.Error(werr))
		}
	} else {
		logger.Info("job started", zap.String("job_type", string(j.Type)))
		out = b.finish(ctx, logger, dir, j, out)
	}

	dest, err := jobdir.Relocate(dir, b.cfg.OutputDir)
	if err != nil {
		logger.Error("relocate job directory", zap.Error(err))
		return out, err
	}
	out.OutputDir = dest
	logger.Info("job drained", zap.String("output_dir", dest), zap.String("status", string(out.Status)))
	return out, nil
}

func (b *base) finish(ctx context.Context, logger *zap.Logger, dir string, j *job.Job, out Outcome) Outcome {
	meta := jobdir.MetaPath(dir)
	code, runErr := b.run(ctx, dir, j)

	var upd job.StatusUpdate
	switch {
	case runErr != nil:
		msg := MsgFailedPrefix + " " + runErr.Error()
		upd = job.Failed(b.cfg.Now(), msg, job.ErrorOverwrite)
		logger.Warn("job run failed", zap.Error(runErr))
	case code != 0:
		upd = job.Failed(b.cfg.Now(), MsgNonZero, job.ErrorKeepExisting)
		logger.Warn("job returned non-zero", zap.Int("exit_code", code))
	default:
		upd = job.Done(b.cfg.Now())
	}

	final, err := b.cfg.Store.Update(meta, upd)
	if err != nil {
		// the record is stuck in RUNNING; leave a trace next to it
		logger.Error("record final status", zap.Error(err))
		if _, werr := jobdir.WriteBackupError(dir, fmt.Errorf("record final status: %w", err)); werr != nil {
			logger.Error("write backup error", zap.Error(werr))
		}
		final = j
	}
	out.Status = final.Status
	out.Error = final.Error
	out.StartTime = final.StartTime
	out.EndTime = final.EndTime
	return out
}

// jobEnv is the environment added to every local job process.
func jobEnv(dir string, j *job.Job) []string {
	return []string{EnvJobID + "=" + j.ID, EnvJobDir + "=" + dir}
}

// Select returns the first conductor that accepts j, together with the
// rejection reasons of those tried before it. It returns nil when nobody
// accepts.
func Select(conductors []Conductor, j *job.Job) (Conductor, []string) {
	var reasons []string
	for _, c := range conductors {
		ok, reason := c.Eligible(j)
		if ok {
			return c, reasons
		}
		reasons = append(reasons, c.Name()+": "+reason)
	}
	return nil, reasons
}
