package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/opswatch/pkg/anomaly"
	"github.com/3leaps/opswatch/pkg/autoresume"
	"github.com/3leaps/opswatch/pkg/followup"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/notify"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/report"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// TickOptions are the per-invocation switches of a tick.
type TickOptions struct {
	// Target overrides the notifier's default destination.
	Target string
	// PrintOnly writes the digest to the engine output instead of sending it.
	PrintOnly bool
	// DryRun simulates starts and queued runs.
	DryRun bool
}

// JobOutcome summarizes what a tick decided for one job.
type JobOutcome struct {
	JobID    string
	Status   probe.JobStatus
	Alert    bool
	Anomaly  anomaly.Kind
	Reason   report.Reason
	Reported bool
	Note     autoresume.Note
}

// TickResult describes a completed tick.
type TickResult struct {
	Sections  []string
	Digest    string
	Delivered bool
	Jobs      []JobOutcome
	// ConfigError is set when the job config could not be loaded.
	ConfigError error
}

// Tick runs one evaluation pass. State is persisted even when delivery
// fails, so backoff bookkeeping survives a missing destination.
func (e *Engine) Tick(ctx context.Context, opts TickOptions) (*TickResult, error) {
	now := e.now().In(e.loc)
	log := e.logger.With(zap.String("op", "tick"))

	st, err := e.loadState()
	if err != nil {
		return nil, err
	}

	cfg, err := e.LoadConfig()
	if err != nil {
		return e.configErrorTick(ctx, st, err, now, opts)
	}

	res := &TickResult{}

	drainer := followup.NewDrainer(e.queueExecutor(st, opts.DryRun, now), log)
	res.Sections = append(res.Sections, drainer.Drain(ctx, st, cfg, now)...)

	ctrl := autoresume.NewController(e.runner,
		autoresume.WithDryRun(opts.DryRun),
		autoresume.WithTimeout(e.startTimeout),
		autoresume.WithLogger(log))

	for _, job := range cfg.Ordered() {
		if job.Kind != jobspec.KindLongRunningRead || !job.Enabled {
			continue
		}
		out, section := e.evaluate(ctx, job, cfg, st, ctrl, now)
		res.Jobs = append(res.Jobs, out)
		if section != "" {
			res.Sections = append(res.Sections, section)
		}
		if !out.Note.Empty() && out.Note.Outcome != autoresume.OutcomeSuppressed {
			e.record(ctx, history.Event{
				OccurredAt: now, Kind: history.KindAutoResume, JobID: job.ID,
				Outcome: string(out.Note.Outcome), Detail: out.Note.Text,
			})
		}
	}

	var deliverErr error
	if len(res.Sections) > 0 {
		res.Digest = report.Digest(now, res.Sections)
		deliverErr = e.deliver(ctx, opts, res.Digest)
		res.Delivered = deliverErr == nil
		if deliverErr != nil {
			log.Warn("digest not delivered", zap.Error(deliverErr), zap.String("digest", res.Digest))
		}
		e.record(ctx, history.Event{
			OccurredAt: now, Kind: history.KindDigest,
			Outcome: deliveryOutcome(deliverErr), Detail: res.Digest,
		})
	}

	if err := e.saveState(st, now); err != nil {
		return res, err
	}
	log.Debug("tick complete", zap.Int("sections", len(res.Sections)), zap.Int("queue", len(st.Queue)))
	return res, deliverErr
}

func (e *Engine) evaluate(ctx context.Context, job *jobspec.Job, cfg *jobspec.Config, st *statestore.State, ctrl *autoresume.Controller, now time.Time) (JobOutcome, string) {
	js := st.Job(job.ID)
	eff := job.Policy.Resolve(cfg.Defaults)
	quiet := eff.QuietHours.Contains(now)

	pr := e.prober.Probe(ctx, job)
	finding := anomaly.Detect(anomaly.Input{
		Job:    job,
		Status: pr.Status,
		State:  js,
		Now:    now,
		Stall:  eff.Stall,
	})
	status := finding.Status

	note := ctrl.Maybe(ctx, job, status, eff, js, now)

	if !finding.Anomaly {
		js.ClearAnomaly()
	}

	out := JobOutcome{JobID: job.ID, Status: status, Alert: pr.Alert(), Anomaly: finding.Kind, Note: note}

	d := report.Decide(report.Input{
		Status:     status,
		Anomaly:    finding.Anomaly,
		AnomalyKey: finding.Key,
		ForcedNote: note.Forces(),
		State:      js,
		Effective:  eff,
		Now:        now,
		Quiet:      quiet,
	})
	out.Reason = d.Reason

	var section string
	if d.Report {
		out.Reported = true
		js.LastReportAt = statestore.Timestamp(now)
		if status.Completed {
			js.ReportedCompleted = true
		}
		if finding.Anomaly {
			js.LastAnomalyKey = finding.Key
			js.LastAnomalyReportAt = statestore.Timestamp(now)
		}
		section = report.Section(job, status, finding.Anomaly, note.Text)
	}

	seen := &statestore.LastSeen{
		Running:     status.Running,
		Completed:   status.Completed,
		ProgressKey: status.ProgressKey,
		StopReason:  status.StopReason,
	}
	if js.LastSeen != nil {
		seen.Extra = js.LastSeen.Extra
	}
	js.LastSeen = seen
	return out, section
}

// queueExecutor runs queued one-shot reads and records them on the job.
func (e *Engine) queueExecutor(st *statestore.State, dryRun bool, now time.Time) followup.Executor {
	return func(ctx context.Context, job *jobspec.Job, timeout time.Duration) runner.Result {
		res := e.runOneShot(ctx, job, timeout, dryRun)
		js := st.Job(job.ID)
		js.LastRunAt = statestore.Timestamp(now)
		js.LastRun = snapshot(res, dryRun)
		e.record(ctx, history.Event{
			OccurredAt: now, Kind: history.KindQueueRun, JobID: job.ID,
			Outcome: runOutcome(res), ExitCode: exitCodePtr(res), DurationMs: durationPtr(res),
		})
		return res
	}
}

func (e *Engine) runOneShot(ctx context.Context, job *jobspec.Job, timeout time.Duration, dryRun bool) runner.Result {
	if dryRun {
		return runner.Result{StdoutTail: "(dry-run)", Stdout: "(dry-run)"}
	}
	argv, ok := job.Command(jobspec.CommandRun)
	if !ok {
		return runner.Result{ExitCode: runner.ExitSpawnFailure, Err: fmt.Errorf("%w: commands.run", ErrMissingCommand)}
	}
	return e.runner.Run(ctx, runner.Command{Argv: argv, Dir: job.Cwd, Timeout: timeout})
}

func (e *Engine) configErrorTick(ctx context.Context, st *statestore.State, cfgErr error, now time.Time, opts TickOptions) (*TickResult, error) {
	log := e.logger.With(zap.String("op", "tick"))
	log.Error("job config invalid", zap.String("path", e.paths.ConfigFile), zap.Error(cfgErr))

	res := &TickResult{ConfigError: cfgErr}
	if report.ConfigErrorDue(st.LastConfigErrorAt, now) {
		st.LastConfigErrorAt = statestore.Timestamp(now)
		res.Digest = report.ConfigErrorDigest(e.paths.ConfigFile, cfgErr)
		derr := e.deliver(ctx, opts, res.Digest)
		res.Delivered = derr == nil
		if derr != nil {
			log.Warn("config error alert not delivered", zap.Error(derr))
		}
		e.record(ctx, history.Event{
			OccurredAt: now, Kind: history.KindConfigError,
			Outcome: deliveryOutcome(derr), Detail: cfgErr.Error(),
		})
	}
	if err := e.saveState(st, now); err != nil {
		return res, errors.Join(cfgErr, err)
	}
	return res, cfgErr
}

func (e *Engine) deliver(ctx context.Context, opts TickOptions, digest string) error {
	if opts.PrintOnly {
		return notify.NewPrint(e.out).Notify(ctx, "", digest)
	}
	target := strings.TrimSpace(opts.Target)
	if target == "" {
		target = e.target
	}
	if e.notifier == nil || target == "" {
		return ErrNoDestination
	}
	if err := e.notifier.Notify(ctx, target, digest); err != nil {
		return fmt.Errorf("deliver via %s: %w", e.notifier.Name(), err)
	}
	return nil
}

func deliveryOutcome(err error) string {
	if err != nil {
		return "undelivered"
	}
	return "delivered"
}

func runOutcome(res runner.Result) string {
	switch {
	case res.OK():
		return "ok"
	case res.TimedOut:
		return "timeout"
	case res.Err != nil:
		return "error"
	default:
		return "failed"
	}
}
