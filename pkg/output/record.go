// Package output provides JSONL output for machine consumers of opswatch.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants follow the pattern opswatch.<type>.v<version>.
const (
	// TypeJobStatus identifies a per-job status snapshot.
	TypeJobStatus = "opswatch.job_status.v1"

	// TypeRun identifies the result of a command execution.
	TypeRun = "opswatch.run.v1"

	// TypeQueueItem identifies a follow-up queue entry.
	TypeQueueItem = "opswatch.queue_item.v1"

	// TypeEvent identifies an audit history row.
	TypeEvent = "opswatch.event.v1"

	// TypeError identifies error records.
	TypeError = "opswatch.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "opswatch.job_status.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// Source names the config file the record was derived from.
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobStatusRecord is one job as seen by the status command.
//
// Probe fields are only populated for long-running jobs that were probed.
type JobStatusRecord struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Risk    string `json:"risk"`
	Enabled bool   `json:"enabled"`

	State      string         `json:"state,omitempty"`
	Running    *bool          `json:"running,omitempty"`
	Completed  *bool          `json:"completed,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Level      string         `json:"level,omitempty"`
	Message    string         `json:"message,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Progress   map[string]any `json:"progress,omitempty"`
	ProbeError string         `json:"probe_error,omitempty"`

	LastReportAt *time.Time `json:"last_report_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastExitCode *int       `json:"last_exit_code,omitempty"`
}

// RunRecord is the outcome of start, stop or run.
type RunRecord struct {
	JobID      string `json:"job_id"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DryRun     bool   `json:"dry_run,omitempty"`
	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	// Queued lists follow-up queue item IDs created by the run.
	Queued []string `json:"queued,omitempty"`
}

// QueueItemRecord mirrors a follow-up queue entry.
type QueueItemRecord struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	NotBefore time.Time  `json:"not_before"`
	Attempt   int        `json:"attempt"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// EventRecord mirrors an audit history row.
type EventRecord struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the whole listing, so
// one unreachable job does not hide the others.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeProbeFailed = "PROBE_FAILED"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInvalid     = "INVALID_CONFIG"
	ErrCodeInternal    = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
