// Package job defines the job record a conductor reads from and writes to a
// job directory's metadata file.
//
// The record is persisted as YAML (job.yml). Known fields are typed; any
// other keys written by the scheduler are preserved in Extra so a
// read/merge/write round trip never drops data.
//
// Example record:
//
//	id: job_KxP2mQ7rT1
//	job_type: bash
//	status: queued
//	create: 2026-01-19T12:00:00Z
//	parameters:
//	  infile: data/sample.txt
package job

import (
	"time"
)

// Type is the job-type tag that decides which conductors are eligible.
//
// NOTE: These values are persisted in job.yml and are part of the stable
// on-disk contract.
type Type string

const (
	TypeBash      Type = "bash"
	TypePython    Type = "python"
	TypePapermill Type = "papermill"
	TypeSlurm     Type = "slurm"
)

// KnownTypes lists every job type a record may declare.
var KnownTypes = []Type{TypeBash, TypePython, TypePapermill, TypeSlurm}

// Known reports whether t is one of KnownTypes.
func (t Type) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Known reports whether s is a valid persisted status.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is DONE or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransition reports whether a job may move from one status to another.
//
// Valid moves: queued -> running, queued -> failed, running -> done,
// running -> failed. Nothing leaves a terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusDone || to == StatusFailed
	default:
		return false
	}
}

// Job is the record stored in a job directory's metadata file.
type Job struct {
	ID           string         `yaml:"id" json:"id"`
	Type         Type           `yaml:"job_type" json:"job_type"`
	Status       Status         `yaml:"status" json:"status"`
	CreateTime   time.Time      `yaml:"create" json:"create"`
	StartTime    *time.Time     `yaml:"start,omitempty" json:"start,omitempty"`
	EndTime      *time.Time     `yaml:"end,omitempty" json:"end,omitempty"`
	Error        string         `yaml:"error,omitempty" json:"error,omitempty"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Requirements map[string]any `yaml:"requirements,omitempty" json:"requirements,omitempty"`

	// Extra holds keys this package does not model (rule, recipe, hash, ...).
	Extra map[string]any `yaml:",inline" json:"-"`
}

// New returns a queued job record created now.
func New(id string, t Type) *Job {
	return &Job{
		ID:         id,
		Type:       t,
		Status:     StatusQueued,
		CreateTime: time.Now().UTC(),
	}
}

// Clone returns a copy of j whose top-level maps and time pointers are not
// shared with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StartTime != nil {
		t := *j.StartTime
		c.StartTime = &t
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	c.Parameters = cloneMap(j.Parameters)
	c.Requirements = cloneMap(j.Requirements)
	c.Extra = cloneMap(j.Extra)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
