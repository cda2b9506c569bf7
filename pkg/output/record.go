// Package output provides the JSONL event stream of a running dispatcher.
//
// Each line is a typed envelope with a type-specific payload, so a
// consumer can follow executions as they happen without polling the
// output area.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants. These follow the pattern conductor.<type>.v<version>.
const (
	TypeExecution = "conductor.execution.v1"
	TypeWaiting   = "conductor.waiting.v1"
	TypePass      = "conductor.pass.v1"
	TypeError     = "conductor.error.v1"
)

// Record is the envelope of every JSONL line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// Source identifies the emitting dispatcher (host or instance name).
	Source string `json:"source,omitempty"`

	PassID string          `json:"pass_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ExecutionRecord reports one drained job directory.
type ExecutionRecord struct {
	JobID     string     `json:"job_id"`
	JobType   string     `json:"job_type,omitempty"`
	Conductor string     `json:"conductor"`
	Status    string     `json:"status,omitempty"`
	Aborted   bool       `json:"aborted,omitempty"`
	Error     string     `json:"error,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	OutputDir string     `json:"output_dir,omitempty"`
}

// WaitingRecord reports a job no conductor accepted.
type WaitingRecord struct {
	JobID   string   `json:"job_id"`
	Reasons []string `json:"reasons"`
}

// PassRecord summarizes one dispatch pass.
type PassRecord struct {
	Executed int   `json:"executed"`
	Waiting  int   `json:"waiting"`
	Failed   int   `json:"failed"`
	Duration int64 `json:"duration_ms"`
}

// ErrorRecord reports a pass-level failure.
type ErrorRecord struct {
	Message string `json:"message"`
	JobDir  string `json:"job_dir,omitempty"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output writer is closed")

// WriteError wraps a failure to produce a record.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
