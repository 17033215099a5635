package statestore

import (
	"encoding/json"
	"time"
)

// Version is the state document version written by Save.
const Version = 1

// QueueStatus is the lifecycle state of a follow-up queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueRunning QueueStatus = "running"
	QueueDone    QueueStatus = "done"
	QueueFailed  QueueStatus = "failed"
	QueueBlocked QueueStatus = "blocked"
)

// State is the whole persisted supervisor state.
type State struct {
	Version           int                  `json:"version"`
	UpdatedAt         *time.Time           `json:"updatedAt,omitempty"`
	LastConfigErrorAt *time.Time           `json:"lastConfigErrorAt,omitempty"`
	Jobs              map[string]*JobState `json:"jobs"`
	Queue             []*QueueItem         `json:"queue,omitempty"`

	// Extra holds unknown top-level fields so they survive a rewrite.
	Extra map[string]json.RawMessage `json:"-"`
}

// New returns an empty state.
func New() *State {
	return &State{Version: Version, Jobs: map[string]*JobState{}}
}

// Job returns the entry for id, creating it on first sight.
func (s *State) Job(id string) *JobState {
	if s.Jobs == nil {
		s.Jobs = map[string]*JobState{}
	}
	js, ok := s.Jobs[id]
	if !ok || js == nil {
		js = &JobState{}
		s.Jobs[id] = js
	}
	return js
}

// LastSeen is the status observed on the previous tick. Extra is carried
// over when a tick records a new observation.
type LastSeen struct {
	Running     bool   `json:"running"`
	Completed   bool   `json:"completed"`
	ProgressKey string `json:"progressKey,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// RunSnapshot records one command execution. A new execution replaces the
// snapshot, Extra included.
type RunSnapshot struct {
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DryRun     bool   `json:"dryRun,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// JobState is the per-job record. Entries are created lazily and never
// pruned automatically.
type JobState struct {
	LastSeen            *LastSeen    `json:"lastSeen,omitempty"`
	LastReportAt        *time.Time   `json:"lastReportAt,omitempty"`
	LastAnomalyKey      string       `json:"lastAnomalyKey,omitempty"`
	LastAnomalyReportAt *time.Time   `json:"lastAnomalyReportAt,omitempty"`
	LastProgressKey     string       `json:"lastProgressKey,omitempty"`
	LastProgressAt      *time.Time   `json:"lastProgressAt,omitempty"`
	LastAutoResumeAt    *time.Time   `json:"lastAutoResumeAt,omitempty"`
	LastRunAt           *time.Time   `json:"lastRunAt,omitempty"`
	LastRun             *RunSnapshot `json:"lastRun,omitempty"`
	LastManualStartAt   *time.Time   `json:"lastManualStartAt,omitempty"`
	LastStart           *RunSnapshot `json:"lastStart,omitempty"`
	LastStopAt          *time.Time   `json:"lastStopAt,omitempty"`
	LastStop            *RunSnapshot `json:"lastStop,omitempty"`
	ReportedCompleted   bool         `json:"reportedCompleted,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ClearAnomaly forgets the last reported anomaly.
func (js *JobState) ClearAnomaly() {
	js.LastAnomalyKey = ""
	js.LastAnomalyReportAt = nil
}

// QueueItem is a scheduled follow-up execution.
type QueueItem struct {
	ID             string      `json:"id"`
	JobID          string      `json:"jobId"`
	CreatedAt      time.Time   `json:"createdAt"`
	NotBefore      time.Time   `json:"notBefore"`
	Reason         string      `json:"reason,omitempty"`
	Status         QueueStatus `json:"status"`
	Attempt        int         `json:"attempt"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`
	LastRunAt      *time.Time  `json:"lastRunAt,omitempty"`
	ExitCode       *int        `json:"exitCode,omitempty"`
	StdoutTail     string      `json:"stdoutTail,omitempty"`
	StderrTail     string      `json:"stderrTail,omitempty"`
	LastError      string      `json:"lastError,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// EffectiveStatus treats a missing status as pending.
func (q *QueueItem) EffectiveStatus() QueueStatus {
	if q.Status == "" {
		return QueuePending
	}
	return q.Status
}

// Timestamp returns a pointer to a copy of t, normalized to UTC.
func Timestamp(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
