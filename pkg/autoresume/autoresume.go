// Package autoresume restarts paused read-only long-running jobs with backoff.
package autoresume

import (
	"context"
	"fmt"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
	"go.uber.org/zap"
)

// DefaultStartTimeout bounds an automatic start command.
const DefaultStartTimeout = 60 * time.Second

// Outcome classifies what the controller did.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeBlocked      Outcome = "blocked"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeMissingStart Outcome = "missing_start"
	OutcomeAct          Outcome = "act"
	OutcomeWouldStart   Outcome = "would_start"
	OutcomeStarted      Outcome = "started"
	OutcomeFailed       Outcome = "failed"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeError        Outcome = "error"
)

// Note is the report line produced by an auto-resume evaluation.
type Note struct {
	Outcome Outcome
	Text    string
}

// Empty reports that nothing worth mentioning happened.
func (n Note) Empty() bool {
	return n.Outcome == OutcomeNone
}

// Forces reports whether the note must be surfaced even when the job's
// section would otherwise be suppressed. Any note forces a section,
// including a backoff suppression.
func (n Note) Forces() bool {
	return !n.Empty()
}

func note(o Outcome, text string) Note {
	return Note{Outcome: o, Text: "AUTORUN: " + text}
}

// Decide evaluates the preconditions without side effects. It returns
// OutcomeAct when a start should be attempted.
func Decide(job *jobspec.Job, st probe.JobStatus, eff jobspec.Effective, js *statestore.JobState, now time.Time) Outcome {
	if job.Kind != jobspec.KindLongRunningRead || !job.Enabled {
		return OutcomeNone
	}
	if st.Running || st.Completed || !eff.AutoResume {
		return OutcomeNone
	}
	if !job.ReadOnly() {
		return OutcomeBlocked
	}
	if eff.AutoResumeBackoff > 0 && js != nil && js.LastAutoResumeAt != nil &&
		now.Sub(*js.LastAutoResumeAt) < eff.AutoResumeBackoff {
		return OutcomeSuppressed
	}
	if _, ok := job.Command(jobspec.CommandStart); !ok {
		return OutcomeMissingStart
	}
	return OutcomeAct
}

// Controller carries out auto-resume decisions.
type Controller struct {
	runner  runner.Runner
	timeout time.Duration
	dryRun  bool
	logger  *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithTimeout overrides DefaultStartTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDryRun simulates starts instead of running them.
func WithDryRun(dryRun bool) Option {
	return func(c *Controller) { c.dryRun = dryRun }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController returns a Controller that starts jobs through r.
func NewController(r runner.Runner, opts ...Option) *Controller {
	c := &Controller{runner: r, timeout: DefaultStartTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Maybe decides and, when warranted, starts the job. lastAutoResumeAt is
// recorded on every attempt, dry-run included, so backoff still applies.
func (c *Controller) Maybe(ctx context.Context, job *jobspec.Job, st probe.JobStatus, eff jobspec.Effective, js *statestore.JobState, now time.Time) Note {
	switch Decide(job, st, eff, js, now) {
	case OutcomeNone:
		return Note{}
	case OutcomeBlocked:
		return note(OutcomeBlocked, "blocked (risk != read_only)")
	case OutcomeSuppressed:
		return note(OutcomeSuppressed, "suppressed (backoff)")
	case OutcomeMissingStart:
		return note(OutcomeMissingStart, "missing start command")
	}

	js.LastAutoResumeAt = statestore.Timestamp(now)
	if c.dryRun {
		c.logger.Info("auto-resume simulated", zap.String("job", job.ID))
		return note(OutcomeWouldStart, "would start (dry-run)")
	}

	argv, _ := job.Command(jobspec.CommandStart)
	res := c.runner.Run(ctx, runner.Command{Argv: argv, Dir: job.Cwd, Timeout: c.timeout})
	js.LastStart = &statestore.RunSnapshot{
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		StdoutTail: res.StdoutTail,
		StderrTail: res.StderrTail,
		TimedOut:   res.TimedOut,
	}

	switch {
	case res.TimedOut:
		c.logger.Warn("auto-resume start timed out", zap.String("job", job.ID), zap.Duration("timeout", c.timeout))
		return note(OutcomeTimeout, "start timeout")
	case res.Err != nil:
		c.logger.Warn("auto-resume start error", zap.String("job", job.ID), zap.Error(res.Err))
		return note(OutcomeError, "start error")
	case res.ExitCode != 0:
		c.logger.Warn("auto-resume start failed", zap.String("job", job.ID), zap.Int("exit_code", res.ExitCode))
		return note(OutcomeFailed, fmt.Sprintf("start failed (exit=%d)", res.ExitCode))
	}
	c.logger.Info("auto-resume started job", zap.String("job", job.ID))
	return note(OutcomeStarted, "started")
}
