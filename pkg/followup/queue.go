// Package followup schedules and drains delayed dependent jobs.
//
// Items are created when a job's after[] rule fires and are drained once
// their notBefore time has passed. Only one_shot_read jobs with read_only
// risk are ever executed from the queue; anything else is blocked and
// surfaced for a human.
package followup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// HistoryLimit caps how many queue items are retained.
	HistoryLimit = 200

	// DefaultTimeout bounds a queued run when the item has no timeout.
	DefaultTimeout = 300 * time.Second

	outputLimit = 800
)

// Attention markers that make a successful queued run reportable.
var attentionMarkers = []string{"ACTION REQUIRED", "ALERT"}

var transitions = map[statestore.QueueStatus]map[statestore.QueueStatus]bool{
	statestore.QueuePending: {
		statestore.QueueRunning: true,
		statestore.QueueBlocked: true,
	},
	// A running item found at drain time was interrupted; it may run again.
	statestore.QueueRunning: {
		statestore.QueueRunning: true,
		statestore.QueueDone:    true,
		statestore.QueueFailed:  true,
		statestore.QueueBlocked: true,
	},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to statestore.QueueStatus) bool {
	return transitions[from][to]
}

// Transition moves item to status to, rejecting illegal moves.
func Transition(item *statestore.QueueItem, to statestore.QueueStatus) error {
	from := item.EffectiveStatus()
	if !CanTransition(from, to) {
		return fmt.Errorf("queue item %s: invalid transition %s -> %s", item.ID, from, to)
	}
	item.Status = to
	return nil
}

// Enqueue appends an item for every after[] rule of parent matching outcome.
func Enqueue(st *statestore.State, parent *jobspec.Job, outcome jobspec.When, now time.Time, reason string) []*statestore.QueueItem {
	var added []*statestore.QueueItem
	for _, f := range parent.FollowUps(outcome) {
		item := &statestore.QueueItem{
			ID:             uuid.NewString(),
			JobID:          f.JobID,
			CreatedAt:      now.UTC(),
			NotBefore:      now.Add(f.Delay()).UTC(),
			Reason:         reason,
			Status:         statestore.QueuePending,
			TimeoutSeconds: f.TimeoutSeconds,
		}
		st.Queue = append(st.Queue, item)
		added = append(added, item)
	}
	return added
}

// Due reports whether item should be drained at now.
func Due(item *statestore.QueueItem, now time.Time) bool {
	switch item.EffectiveStatus() {
	case statestore.QueuePending, statestore.QueueRunning:
	default:
		return false
	}
	return !item.NotBefore.After(now)
}

// NeedsAttention reports whether output carries an attention marker.
func NeedsAttention(output string) bool {
	for _, m := range attentionMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// Trim keeps the most recent limit items.
func Trim(queue []*statestore.QueueItem, limit int) []*statestore.QueueItem {
	if limit <= 0 || len(queue) <= limit {
		return queue
	}
	out := make([]*statestore.QueueItem, limit)
	copy(out, queue[len(queue)-limit:])
	return out
}

// Executor runs a one-shot read job for the drainer and records the run on
// the job's state.
type Executor func(ctx context.Context, job *jobspec.Job, timeout time.Duration) runner.Result

// Drainer executes due queue items.
type Drainer struct {
	exec   Executor
	logger *zap.Logger
}

// NewDrainer returns a Drainer using exec for queued runs.
func NewDrainer(exec Executor, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{exec: exec, logger: logger}
}

// Drain processes every due item in st.Queue and trims the queue. It returns
// the report sections produced.
func (d *Drainer) Drain(ctx context.Context, st *statestore.State, cfg *jobspec.Config, now time.Time) []string {
	var sections []string
	for _, item := range st.Queue {
		if !Due(item, now) {
			continue
		}
		if section := d.drainItem(ctx, item, cfg, now); section != "" {
			sections = append(sections, section)
		}
	}
	st.Queue = Trim(st.Queue, HistoryLimit)
	return sections
}

func (d *Drainer) drainItem(ctx context.Context, item *statestore.QueueItem, cfg *jobspec.Config, now time.Time) string {
	log := d.logger.With(zap.String("queue_item", item.ID), zap.String("job", item.JobID))

	job, ok := cfg.Job(item.JobID)
	if !ok {
		d.move(log, item, statestore.QueueBlocked)
		item.LastError = "unknown jobId"
		log.Warn("queued job missing from config")
		return fmt.Sprintf("• ALERT: queued job missing\n- jobId: %s", item.JobID)
	}
	if job.Kind != jobspec.KindOneShotRead || !job.ReadOnly() {
		d.move(log, item, statestore.QueueBlocked)
		item.LastError = fmt.Sprintf("blocked kind=%s risk=%s", job.Kind, job.Risk)
		log.Warn("queued job blocked", zap.String("kind", string(job.Kind)), zap.String("risk", string(job.Risk)))
		return fmt.Sprintf("• ACTION REQUIRED: queued job blocked\n- job: %s (%s, %s)", job.ID, job.Kind, job.Risk)
	}

	d.move(log, item, statestore.QueueRunning)
	item.Attempt++
	item.LastRunAt = statestore.Timestamp(now)

	timeout := DefaultTimeout
	if item.TimeoutSeconds > 0 {
		timeout = time.Duration(item.TimeoutSeconds) * time.Second
	}
	res := d.exec(ctx, job, timeout)

	exit := res.ExitCode
	item.ExitCode = &exit
	item.StdoutTail = res.StdoutTail
	item.StderrTail = res.StderrTail

	switch {
	case res.OK():
		d.move(log, item, statestore.QueueDone)
		item.LastError = ""
		log.Info("queued job done")
		if out := res.Output(); NeedsAttention(out) {
			return fmt.Sprintf("• %s (%s)\n- %s", job.Name, job.ID, truncate(out, outputLimit))
		}
		return ""
	case res.TimedOut:
		d.move(log, item, statestore.QueueFailed)
		item.LastError = fmt.Sprintf("timeout after %s", timeout)
		log.Warn("queued job timed out", zap.Duration("timeout", timeout))
		return fmt.Sprintf("• ALERT: queued job failed\n- job: %s (%s)\n- exit: %d (timeout)", job.Name, job.ID, res.ExitCode)
	case res.Err != nil:
		d.move(log, item, statestore.QueueFailed)
		item.LastError = res.Err.Error()
		log.Warn("queued job error", zap.Error(res.Err))
		return fmt.Sprintf("• ALERT: queued job error\n- job: %s (%s)\n- error: %v", job.Name, job.ID, res.Err)
	default:
		d.move(log, item, statestore.QueueFailed)
		log.Warn("queued job failed", zap.Int("exit_code", res.ExitCode))
		return fmt.Sprintf("• ALERT: queued job failed\n- job: %s (%s)\n- exit: %d", job.Name, job.ID, res.ExitCode)
	}
}

func (d *Drainer) move(log *zap.Logger, item *statestore.QueueItem, to statestore.QueueStatus) {
	if err := Transition(item, to); err != nil {
		log.Warn("forcing queue transition", zap.Error(err))
		item.Status = to
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
