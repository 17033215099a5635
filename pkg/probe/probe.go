// Package probe runs a job's status command and decodes its JSON contract.
//
// A probe never fails past its own boundary: malformed output, non-zero
// exits and timeouts all come back as an Alert result carrying a synthetic
// paused status, so callers always receive a well-formed JobStatus.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/runner"
)

// DefaultTimeout bounds a status command.
const DefaultTimeout = 30 * time.Second

// Kind distinguishes a decoded status from a synthesized alert.
type Kind int

const (
	// KindStatus means the command honoured the contract.
	KindStatus Kind = iota
	// KindAlert means the probe itself failed; Status is synthetic.
	KindAlert
)

func (k Kind) String() string {
	if k == KindAlert {
		return "alert"
	}
	return "status"
}

// Result is the outcome of one probe.
type Result struct {
	Kind   Kind
	Status JobStatus
}

// Alert reports whether the probe failed.
func (r Result) Alert() bool {
	return r.Kind == KindAlert
}

// AlertResult builds the synthetic result for a failed probe.
func AlertResult(msg string) Result {
	return Result{
		Kind: KindAlert,
		Status: JobStatus{
			Running:   false,
			Completed: false,
			Level:     LevelAlert,
			Message:   msg,
		},
	}
}

// Prober invokes status commands.
type Prober struct {
	runner  runner.Runner
	timeout time.Duration
}

// New returns a Prober. A non-positive timeout means DefaultTimeout.
func New(r runner.Runner, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{runner: r, timeout: timeout}
}

// Probe runs the job's status command.
func (p *Prober) Probe(ctx context.Context, job *jobspec.Job) Result {
	argv, ok := job.Command(jobspec.CommandStatus)
	if !ok {
		return AlertResult("missing status command")
	}

	res := p.runner.Run(ctx, runner.Command{Argv: argv, Dir: job.Cwd, Timeout: p.timeout, KeepStdout: true})
	switch {
	case res.TimedOut:
		return AlertResult(fmt.Sprintf("status timeout after %s", p.timeout))
	case res.Err != nil:
		return AlertResult(fmt.Sprintf("status error: %v", res.Err))
	case res.ExitCode != 0:
		return AlertResult(lastLine(res.StderrTail, fmt.Sprintf("status exit=%d", res.ExitCode)))
	}

	st, err := Parse(res.Stdout)
	if err != nil {
		return AlertResult(err.Error())
	}
	return Result{Kind: KindStatus, Status: st}
}

func lastLine(s, fallback string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return fallback
	}
	return last
}
