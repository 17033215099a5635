package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/pkg/approval"
	"github.com/3leaps/opswatch/pkg/followup"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// Default timeouts for manual operations.
const (
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 60 * time.Second
	DefaultRunTimeout   = 300 * time.Second
)

// JobView is one row of a status listing.
type JobView struct {
	Job   *jobspec.Job
	State *statestore.JobState
	// Probe is set for long-running jobs unless probing was skipped.
	Probe *probe.Result
	// Approved is meaningful for write jobs.
	Approved bool
}

// StatusReport is the read-only view produced by Status.
type StatusReport struct {
	ConfigPath string
	Jobs       []JobView
	Queue      []*statestore.QueueItem
}

// StatusOptions filters Status.
type StatusOptions struct {
	// Jobs is a doublestar glob matched against job ids. Empty matches all.
	Jobs string
	// NoProbe skips running status commands.
	NoProbe bool
}

// Status probes long-running jobs and summarizes the others. It never
// notifies and never writes state.
func (e *Engine) Status(ctx context.Context, opts StatusOptions) (*StatusReport, error) {
	cfg, err := e.LoadConfig()
	if err != nil {
		return nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}

	pattern := strings.TrimSpace(opts.Jobs)
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid --jobs pattern %q", pattern)
	}

	out := &StatusReport{ConfigPath: cfg.Path, Queue: st.Queue}
	for _, job := range cfg.Ordered() {
		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, job.ID); !ok {
				continue
			}
		}
		view := JobView{Job: job, State: st.Jobs[job.ID], Approved: approval.Granted(job)}
		if view.State == nil {
			view.State = &statestore.JobState{}
		}
		if job.Kind == jobspec.KindLongRunningRead && !opts.NoProbe {
			pr := e.prober.Probe(ctx, job)
			view.Probe = &pr
		}
		out.Jobs = append(out.Jobs, view)
	}
	return out, nil
}

// CommandOptions tune Start, Stop and Run.
type CommandOptions struct {
	// Timeout bounds the command; zero means the operation default.
	Timeout time.Duration
	// AllowRisk permits start/stop of jobs whose risk is not read_only.
	AllowRisk bool
	// DryRun simulates Run.
	DryRun bool
	// Grace is how long a signalled stop waits before SIGKILL. Zero sends
	// SIGTERM only.
	Grace time.Duration
}

func (o CommandOptions) timeout(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

// CommandResult is the outcome of a manual operation.
type CommandResult struct {
	JobID   string
	Command string
	Result  runner.Result
	DryRun  bool
	// Signal is set when Stop fell back to signalling the probed pid.
	Signal string
	Queued []*statestore.QueueItem
}

// Start runs the start command of a long-running job.
func (e *Engine) Start(ctx context.Context, id string, opts CommandOptions) (*CommandResult, error) {
	now := e.now()
	cfg, st, err := e.loadBoth()
	if err != nil {
		return nil, err
	}
	job, err := lookup(cfg, strings.TrimSpace(id), jobspec.KindLongRunningRead)
	if err != nil {
		return nil, err
	}
	if err := checkRisk(job, opts); err != nil {
		return nil, err
	}
	argv, ok := job.Command(jobspec.CommandStart)
	if !ok {
		return nil, fmt.Errorf("%w: job %s has no commands.start", ErrMissingCommand, job.ID)
	}

	res := e.runner.Run(ctx, runner.Command{Argv: argv, Dir: job.Cwd, Timeout: opts.timeout(DefaultStartTimeout)})
	js := st.Job(job.ID)
	js.LastManualStartAt = statestore.Timestamp(now)
	js.LastStart = snapshot(res, false)

	e.logger.Info("manual start", zap.String("job", job.ID), zap.Int("exit_code", res.ExitCode))
	e.record(ctx, history.Event{
		OccurredAt: now, Kind: history.KindStart, JobID: job.ID,
		Outcome: runOutcome(res), ExitCode: exitCodePtr(res), DurationMs: durationPtr(res),
	})

	out := &CommandResult{JobID: job.ID, Command: jobspec.CommandStart, Result: res}
	if err := e.saveState(st, now); err != nil {
		return out, err
	}
	return out, commandError(job.ID, jobspec.CommandStart, res)
}

// Stop runs the stop command, or terminates the pid reported by the status
// probe when the job has no stop command.
func (e *Engine) Stop(ctx context.Context, id string, opts CommandOptions) (*CommandResult, error) {
	now := e.now()
	cfg, st, err := e.loadBoth()
	if err != nil {
		return nil, err
	}
	job, err := lookup(cfg, strings.TrimSpace(id), jobspec.KindLongRunningRead)
	if err != nil {
		return nil, err
	}
	if err := checkRisk(job, opts); err != nil {
		return nil, err
	}
	js := st.Job(job.ID)
	out := &CommandResult{JobID: job.ID, Command: jobspec.CommandStop}

	if argv, ok := job.Command(jobspec.CommandStop); ok {
		res := e.runner.Run(ctx, runner.Command{Argv: argv, Dir: job.Cwd, Timeout: opts.timeout(DefaultStopTimeout)})
		out.Result = res
		js.LastStopAt = statestore.Timestamp(now)
		js.LastStop = snapshot(res, false)
		e.record(ctx, history.Event{
			OccurredAt: now, Kind: history.KindStop, JobID: job.ID,
			Outcome: runOutcome(res), ExitCode: exitCodePtr(res), DurationMs: durationPtr(res),
		})
		if err := e.saveState(st, now); err != nil {
			return out, err
		}
		return out, commandError(job.ID, jobspec.CommandStop, res)
	}

	pr := e.prober.Probe(ctx, job)
	pid := pr.Status.PID
	if pr.Alert() || pid <= 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNoPID, job.ID)
	}

	stopCtx, cancel := context.WithTimeout(ctx, opts.timeout(DefaultStopTimeout)+opts.Grace)
	defer cancel()
	outcome, err := e.procs.Terminate(stopCtx, pid, opts.Grace)
	if err != nil {
		e.logger.Warn("terminate failed", zap.String("job", job.ID), zap.Int("pid", pid), zap.Error(err))
		return nil, fmt.Errorf("%w: terminate pid %d: %w", ErrCommandFailed, pid, err)
	}

	out.Signal = fmt.Sprintf("SIGTERM pid=%d (%s)", pid, outcome)
	out.Result = runner.Result{StdoutTail: out.Signal}
	js.LastStopAt = statestore.Timestamp(now)
	js.LastStop = &statestore.RunSnapshot{StdoutTail: out.Signal}
	e.logger.Info("manual stop by signal", zap.String("job", job.ID), zap.Int("pid", pid), zap.String("outcome", string(outcome)))
	e.record(ctx, history.Event{
		OccurredAt: now, Kind: history.KindStop, JobID: job.ID,
		Outcome: string(outcome), Detail: out.Signal,
	})
	if err := e.saveState(st, now); err != nil {
		return out, err
	}
	return out, nil
}

// Run executes a one-shot job. Write jobs must pass the approval gate; their
// after[] rules are enqueued according to the outcome.
func (e *Engine) Run(ctx context.Context, id string, opts CommandOptions) (*CommandResult, error) {
	now := e.now()
	cfg, st, err := e.loadBoth()
	if err != nil {
		return nil, err
	}
	job, err := lookup(cfg, strings.TrimSpace(id), jobspec.KindOneShotRead, jobspec.KindOneShotWrite)
	if err != nil {
		return nil, err
	}
	if job.Kind == jobspec.KindOneShotRead && !job.ReadOnly() {
		return nil, fmt.Errorf("%w: one_shot_read job %s has risk %s", ErrRiskNotAllowed, job.ID, job.Risk)
	}
	if err := approval.Check(job); err != nil {
		return nil, err
	}
	if _, ok := job.Command(jobspec.CommandRun); !ok {
		return nil, fmt.Errorf("%w: job %s has no commands.run", ErrMissingCommand, job.ID)
	}

	res := e.runOneShot(ctx, job, opts.timeout(DefaultRunTimeout), opts.DryRun)
	js := st.Job(job.ID)
	js.LastRunAt = statestore.Timestamp(now)
	js.LastRun = snapshot(res, opts.DryRun)

	out := &CommandResult{JobID: job.ID, Command: jobspec.CommandRun, Result: res, DryRun: opts.DryRun}
	if job.Kind == jobspec.KindOneShotWrite && !opts.DryRun {
		when := jobspec.WhenSuccess
		if !res.OK() {
			when = jobspec.WhenFailure
		}
		out.Queued = followup.Enqueue(st, job, when, now, fmt.Sprintf("after %s %s", job.ID, when))
		st.Queue = followup.Trim(st.Queue, followup.HistoryLimit)
	}

	e.logger.Info("manual run", zap.String("job", job.ID), zap.Int("exit_code", res.ExitCode),
		zap.Bool("dry_run", opts.DryRun), zap.Int("queued", len(out.Queued)))
	e.record(ctx, history.Event{
		OccurredAt: now, Kind: history.KindRun, JobID: job.ID,
		Outcome: runOutcome(res), ExitCode: exitCodePtr(res), DurationMs: durationPtr(res),
	})

	if err := e.saveState(st, now); err != nil {
		return out, err
	}
	return out, commandError(job.ID, jobspec.CommandRun, res)
}

// Validate loads the config and returns it.
func (e *Engine) Validate() (*jobspec.Config, error) {
	return e.LoadConfig()
}

func (e *Engine) loadBoth() (*jobspec.Config, *statestore.State, error) {
	cfg, err := e.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func checkRisk(job *jobspec.Job, opts CommandOptions) error {
	if job.ReadOnly() || opts.AllowRisk {
		return nil
	}
	return fmt.Errorf("%w: job %s risk=%s", ErrRiskNotAllowed, job.ID, job.Risk)
}
