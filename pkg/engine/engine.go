// Package engine is the supervisor: it wires the config loader, state store,
// probes, anomaly detection, auto-resume, the follow-up queue and the report
// composer into ticks and manual job operations.
//
// Every operation is synchronous and reads the whole state, mutates it in
// memory and writes it back once. At most one operation may run against a
// state file at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/opswatch/pkg/approval"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/notify"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/proc"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// Exit codes shared by every operation.
const (
	ExitOK            = 0
	ExitPartial       = 1
	ExitBlocking      = 2
	ExitNoDestination = 3
)

var (
	ErrUnknownJob     = errors.New("unknown job id")
	ErrWrongKind      = errors.New("wrong job kind")
	ErrRiskNotAllowed = errors.New("job risk requires --allow-risk")
	ErrMissingCommand = errors.New("missing command")
	ErrNoPID          = errors.New("no stop command and status reports no pid")
	ErrCommandFailed  = errors.New("command failed")
	ErrStateWrite     = errors.New("state write failed")

	ErrNotApproved   = approval.ErrNotApproved
	ErrNoDestination = notify.ErrNoDestination
)

// ExitCode maps an operation error onto the process exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoDestination):
		return ExitNoDestination
	case errors.Is(err, jobspec.ErrInvalidConfig),
		errors.Is(err, ErrUnknownJob),
		errors.Is(err, ErrWrongKind),
		errors.Is(err, ErrRiskNotAllowed),
		errors.Is(err, ErrMissingCommand),
		errors.Is(err, ErrNoPID),
		errors.Is(err, ErrNotApproved),
		statestore.IsMalformed(err):
		return ExitBlocking
	default:
		return ExitPartial
	}
}

// Paths locates the two files an engine works on.
type Paths struct {
	ConfigFile string
	StateFile  string
	// DefaultCwd is used for jobs without cwd. Empty means the config
	// file's directory.
	DefaultCwd string
	HomeDir    string
}

// Recorder receives audit events. *history.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev history.Event) error
}

// Engine runs supervisor operations. Construct with New.
type Engine struct {
	paths    Paths
	runner   runner.Runner
	prober   *probe.Prober
	procs    proc.Controller
	notifier notify.Notifier
	target   string
	recorder Recorder
	out      io.Writer
	logger   *zap.Logger
	now      func() time.Time
	loc      *time.Location

	strictState  bool
	probeTimeout time.Duration
	startTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner replaces the command runner for every execution.
func WithRunner(r runner.Runner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithProbeTimeout bounds status commands.
func WithProbeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.probeTimeout = d }
}

// WithProcessController replaces the pid signaller used by Stop.
func WithProcessController(c proc.Controller) Option {
	return func(e *Engine) { e.procs = c }
}

// WithNotifier sets the sink used when a tick is not print-only, and the
// default target used when a tick names none.
func WithNotifier(n notify.Notifier, defaultTarget string) Option {
	return func(e *Engine) {
		e.notifier = n
		e.target = defaultTarget
	}
}

// WithRecorder enables the audit trail.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithOutput sets where print-only digests go.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) { e.out = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source and the zone quiet hours are
// evaluated in.
func WithClock(now func() time.Time, loc *time.Location) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithStrictState makes a malformed state file fatal instead of starting
// over from empty state.
func WithStrictState(strict bool) Option {
	return func(e *Engine) { e.strictState = strict }
}

// WithAutoResumeTimeout bounds automatic start commands.
func WithAutoResumeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.startTimeout = d }
}

// New builds an Engine for paths.
func New(paths Paths, opts ...Option) *Engine {
	e := &Engine{
		paths:  paths,
		runner: runner.Exec{},
		procs:  proc.Default(),
		out:    os.Stdout,
		logger: zap.NewNop(),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.prober = probe.New(e.runner, e.probeTimeout)
	return e
}

func (e *Engine) loadOptions() jobspec.LoadOptions {
	return jobspec.LoadOptions{DefaultCwd: e.paths.DefaultCwd, HomeDir: e.paths.HomeDir}
}

// LoadConfig loads and validates the job config.
func (e *Engine) LoadConfig() (*jobspec.Config, error) {
	return jobspec.Load(e.paths.ConfigFile, e.loadOptions())
}

// loadState returns usable state. A missing file is normal; a malformed or
// unreadable one is logged and replaced with empty state unless strict.
func (e *Engine) loadState() (*statestore.State, error) {
	st, err := statestore.Load(e.paths.StateFile)
	switch {
	case err == nil, statestore.IsMissing(err):
		return st, nil
	case e.strictState:
		return nil, err
	default:
		e.logger.Warn("state unusable, starting from empty state",
			zap.String("path", e.paths.StateFile), zap.Error(err))
		return st, nil
	}
}

func (e *Engine) saveState(st *statestore.State, now time.Time) error {
	if err := statestore.Save(e.paths.StateFile, st, now); err != nil {
		return fmt.Errorf("%w: %w", ErrStateWrite, err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, ev history.Event) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.Warn("history record failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// lookup resolves id to a job of the wanted kind.
func lookup(cfg *jobspec.Config, id string, kinds ...jobspec.Kind) (*jobspec.Job, error) {
	job, ok := cfg.Job(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	for _, k := range kinds {
		if job.Kind == k {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s is %s", ErrWrongKind, id, job.Kind)
}

func snapshot(res runner.Result, dryRun bool) *statestore.RunSnapshot {
	return &statestore.RunSnapshot{
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
		StdoutTail: res.StdoutTail,
		StderrTail: res.StderrTail,
		TimedOut:   res.TimedOut,
		DryRun:     dryRun,
	}
}

func commandError(jobID, command string, res runner.Result) error {
	switch {
	case res.OK():
		return nil
	case res.TimedOut:
		return fmt.Errorf("%w: %s %s timed out", ErrCommandFailed, command, jobID)
	case res.Err != nil:
		return fmt.Errorf("%w: %s %s: %w", ErrCommandFailed, command, jobID, res.Err)
	default:
		return fmt.Errorf("%w: %s %s exited %d", ErrCommandFailed, command, jobID, res.ExitCode)
	}
}

func exitCodePtr(res runner.Result) *int {
	v := res.ExitCode
	return &v
}

func durationPtr(res runner.Result) *int64 {
	v := res.Duration.Milliseconds()
	return &v
}
