// Package remote drives a job on a remote host in two bounded phases:
// connect-retry ships the start script over a Shell until one attempt
// succeeds, then completion-poll waits for the sentinel file to appear.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrConnectExhausted is returned when every connect attempt failed.
	ErrConnectExhausted = errors.New("remote connect attempts exhausted")

	// ErrCompletionTimeout is wrapped by TimeoutError.
	ErrCompletionTimeout = errors.New("remote completion timed out")
)

// Shell runs one command on the remote host with stdin attached.
type Shell interface {
	Run(ctx context.Context, command string, stdin io.Reader) error
}

// Phase bounds one stage of the protocol. Retries counts attempts after the
// first; Interval paces consecutive attempts.
type Phase struct {
	Name     string
	Retries  int
	Interval time.Duration
}

// Budget is the nominal wall time of all retries.
func (p Phase) Budget() time.Duration {
	return time.Duration(p.Retries) * p.Interval
}

func (p Phase) limiter() *rate.Limiter {
	if p.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.Interval), 1)
}

// TimeoutError reports a completion phase that ran out of polls.
type TimeoutError struct {
	Polls  int
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no done marker after %d polls (%s)", ErrCompletionTimeout, e.Polls, e.Budget)
}

func (e *TimeoutError) Unwrap() error { return ErrCompletionTimeout }

// Report summarizes a protocol run.
type Report struct {
	ConnectAttempts int
	Polls           int
	Elapsed         time.Duration
}

// Protocol is the two-phase reconnect/poll state machine.
type Protocol struct {
	Connect    Phase
	Completion Phase
	Logger     *zap.Logger
}

// DefaultProtocol returns the standard bounds: 30 reconnects one second
// apart, then 30000 polls a tenth of a second apart.
func DefaultProtocol() Protocol {
	return Protocol{
		Connect:    Phase{Name: "connect", Retries: 30, Interval: time.Second},
		Completion: Phase{Name: "completion", Retries: 30000, Interval: 100 * time.Millisecond},
	}
}

// Run ships script to the remote host by running command over shell, then
// waits for sentinel to exist locally.
//
// Context cancellation stops either phase and returns ctx.Err().
func (p Protocol) Run(ctx context.Context, shell Shell, command string, script []byte, sentinel string) (Report, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	started := time.Now()
	var rep Report

	connect := p.Connect.limiter()
	var lastErr error
	for {
		if err := connect.Wait(ctx); err != nil {
			rep.Elapsed = time.Since(started)
			return rep, ctxErr(ctx, err)
		}
		rep.ConnectAttempts++
		lastErr = shell.Run(ctx, command, bytes.NewReader(script))
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			rep.Elapsed = time.Since(started)
			return rep, ctx.Err()
		}
		logger.Warn("remote connect attempt failed",
			zap.Int("attempt", rep.ConnectAttempts),
			zap.Error(lastErr))
		if rep.ConnectAttempts > p.Connect.Retries {
			rep.Elapsed = time.Since(started)
			return rep, fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, rep.ConnectAttempts, lastErr)
		}
	}
	logger.Debug("remote start script accepted", zap.Int("attempt", rep.ConnectAttempts))

	poll := p.Completion.limiter()
	// consume the burst so every poll is paced
	_ = poll.Allow()
	found, err := exists(sentinel)
	for !found && err == nil && rep.Polls < p.Completion.Retries {
		if werr := poll.Wait(ctx); werr != nil {
			rep.Elapsed = time.Since(started)
			return rep, ctxErr(ctx, werr)
		}
		rep.Polls++
		found, err = exists(sentinel)
	}
	rep.Elapsed = time.Since(started)
	if err != nil {
		return rep, fmt.Errorf("check done marker: %w", err)
	}
	if !found {
		return rep, &TimeoutError{Polls: rep.Polls, Budget: p.Completion.Budget()}
	}
	logger.Debug("done marker found", zap.Int("polls", rep.Polls))
	return rep, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// rate.Limiter.Wait reports a deadline it cannot meet before the context
// expires; surface the context error instead.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) >= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}
