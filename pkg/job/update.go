package job

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates a status update that the state machine
// does not allow (for example anything leaving DONE or FAILED).
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: %s -> %s: %v", e.JobID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ErrorPolicy controls how StatusUpdate.Error merges with an existing error.
type ErrorPolicy int

const (
	// ErrorOverwrite replaces any error already recorded.
	ErrorOverwrite ErrorPolicy = iota

	// ErrorKeepExisting sets the error only when none is recorded yet, so a
	// specific cause is never replaced by a generic one.
	ErrorKeepExisting
)

// StatusUpdate is a partial merge into a job record. Nil fields are left
// untouched.
type StatusUpdate struct {
	Status      *Status
	StartTime   *time.Time
	EndTime     *time.Time
	Error       *string
	ErrorPolicy ErrorPolicy
}

// Running marks the job as started at now.
func Running(now time.Time) StatusUpdate {
	s := StatusRunning
	return StatusUpdate{Status: &s, StartTime: &now}
}

// Done marks the job as finished successfully at now.
func Done(now time.Time) StatusUpdate {
	s := StatusDone
	return StatusUpdate{Status: &s, EndTime: &now}
}

// Failed marks the job as failed at now with msg.
func Failed(now time.Time, msg string, policy ErrorPolicy) StatusUpdate {
	s := StatusFailed
	return StatusUpdate{Status: &s, EndTime: &now, Error: &msg, ErrorPolicy: policy}
}

// Apply merges u into j.
//
// A status in u is checked against CanTransition before any field is
// written (re-asserting the current status is also rejected); on rejection
// j is left unmodified.
func (u StatusUpdate) Apply(j *Job) error {
	if j == nil {
		return errors.New("job record is nil")
	}
	if u.Status != nil && !CanTransition(j.Status, *u.Status) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: *u.Status}
	}

	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.StartTime != nil {
		t := u.StartTime.UTC()
		j.StartTime = &t
	}
	if u.EndTime != nil {
		t := u.EndTime.UTC()
		j.EndTime = &t
	}
	if u.Error != nil {
		if u.ErrorPolicy != ErrorKeepExisting || j.Error == "" {
			j.Error = *u.Error
		}
	}
	return nil
}
