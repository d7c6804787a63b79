package models

import (
	"time"
)

// JobKind identifies the type of background job
type JobKind string

const (
	JobKindIngest     JobKind = "ingest"
	JobKindBulkDelete JobKind = "bulk_delete"
)

// JobStatus represents the persisted job state machine
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusUploading JobStatus = "uploading"
	JobStatusParsing   JobStatus = "parsing"
	JobStatusImporting JobStatus = "importing"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status permits no further mutation
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// rank orders the active statuses for regression checks
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusUploading:
		return 1
	case JobStatusParsing:
		return 2
	case JobStatusImporting:
		return 3
	case JobStatusDone, JobStatusFailed:
		return 4
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a legal advance.
// Terminal states are frozen. Regressions are rejected, with one exception:
// importing -> parsing, which happens when the broker re-delivers a work
// item and the worker restarts from the top of its state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if s == JobStatusImporting && next == JobStatusParsing {
		return true
	}
	return next.rank() >= s.rank()
}

// Job is one asynchronous unit of work (ingest or bulk delete) with a
// persisted state machine. Rows are created queued, mutated only by the
// owning worker, and frozen once terminal.
type Job struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename,omitempty"`
	Kind          JobKind   `json:"kind"`
	Status        JobStatus `json:"status"`
	TotalRows     *int64    `json:"total_rows,omitempty"`
	ProcessedRows int64     `json:"processed_rows"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
