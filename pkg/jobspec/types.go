// Package jobspec loads and validates opswatch job definitions.
//
// A job configuration is a versioned document holding shared defaults and a
// list of jobs. Documents may be written as JSON or YAML; both are converted to
// JSON and checked against an embedded schema before typed parsing and the
// cross-job checks run. Any violation fails the whole load.
package jobspec

import (
	"time"

	"github.com/3leaps/opswatch/pkg/quiethours"
)

// Version is the only supported configuration version.
const Version = 1

// Kind classifies how a job is driven.
type Kind string

const (
	// KindLongRunningRead is a monitored background process polled every tick.
	KindLongRunningRead Kind = "long_running_read"
	// KindOneShotRead is a read-only check run on demand or from the follow-up queue.
	KindOneShotRead Kind = "one_shot_read"
	// KindOneShotWrite is a mutating action gated behind approval.
	KindOneShotWrite Kind = "one_shot_write"
)

// Risk describes what a job may change.
type Risk string

const (
	RiskReadOnly      Risk = "read_only"
	RiskWriteLocal    Risk = "write_local"
	RiskWriteExternal Risk = "write_external"
)

// When selects the outcome that fires a follow-up rule.
type When string

const (
	WhenSuccess When = "success"
	WhenFailure When = "failure"
)

// Well-known command names.
const (
	CommandStart  = "start"
	CommandStatus = "status"
	CommandStop   = "stop"
	CommandRun    = "run"
)

// Built-in defaults used when the document omits them.
const (
	DefaultQuietStart               = "23:00"
	DefaultQuietEnd                 = "08:00"
	DefaultReportEverySeconds       = 1800
	DefaultStallSeconds             = 3600
	DefaultAutoResumeBackoffSeconds = 900
)

// QuietHours is the raw "HH:MM" pair as written in the document.
type QuietHours struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Defaults holds the resolved document-wide defaults.
type Defaults struct {
	QuietHours        quiethours.Window
	ReportEvery       time.Duration
	Stall             time.Duration
	AutoResume        bool
	AutoResumeBackoff time.Duration
}

// Approval is the operator sign-off block for write jobs.
type Approval struct {
	Required *bool `json:"required,omitempty"`
	Granted  bool  `json:"granted"`
}

// FollowUp schedules a dependent job after this one finishes.
type FollowUp struct {
	JobID          string  `json:"jobId"`
	When           When    `json:"when,omitempty"`
	DelaySeconds   float64 `json:"delaySeconds,omitempty"`
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"`
}

// Delay returns the follow-up delay, never negative.
func (f FollowUp) Delay() time.Duration {
	if f.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(f.DelaySeconds * float64(time.Second))
}

// Job is one validated job definition.
type Job struct {
	ID       string
	Name     string
	Kind     Kind
	Enabled  bool
	Risk     Risk
	Cwd      string
	Commands map[string][]string
	Policy   Policy
	Approval *Approval
	After    []FollowUp
}

// Command returns a copy of the named argv.
func (j *Job) Command(name string) ([]string, bool) {
	argv, ok := j.Commands[name]
	if !ok || len(argv) == 0 {
		return nil, false
	}
	out := make([]string, len(argv))
	copy(out, argv)
	return out, true
}

// ReadOnly reports whether the job declares read_only risk.
func (j *Job) ReadOnly() bool {
	return j.Risk == RiskReadOnly
}

// FollowUps returns the after rules that fire for the given outcome.
func (j *Job) FollowUps(outcome When) []FollowUp {
	var out []FollowUp
	for _, f := range j.After {
		if f.When == outcome {
			out = append(out, f)
		}
	}
	return out
}

// Config is a fully validated job configuration.
type Config struct {
	Path     string
	Defaults Defaults
	Jobs     map[string]*Job
	// Order preserves document order for deterministic iteration.
	Order []string
}

// Job looks up a job by id.
func (c *Config) Job(id string) (*Job, bool) {
	j, ok := c.Jobs[id]
	return j, ok
}

// Ordered returns jobs in document order.
func (c *Config) Ordered() []*Job {
	out := make([]*Job, 0, len(c.Order))
	for _, id := range c.Order {
		out = append(out, c.Jobs[id])
	}
	return out
}
