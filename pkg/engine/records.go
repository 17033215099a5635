package engine

import (
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/output"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// Record converts the view into its JSONL form.
func (v JobView) Record() *output.JobStatusRecord {
	rec := &output.JobStatusRecord{
		ID:      v.Job.ID,
		Name:    v.Job.Name,
		Kind:    string(v.Job.Kind),
		Risk:    string(v.Job.Risk),
		Enabled: v.Job.Enabled,
	}
	if v.State != nil {
		rec.LastReportAt = v.State.LastReportAt
		rec.LastRunAt = v.State.LastRunAt
		if v.State.LastRun != nil {
			code := v.State.LastRun.ExitCode
			rec.LastExitCode = &code
		}
	}
	if v.Probe != nil {
		st := v.Probe.Status
		running, completed := st.Running, st.Completed
		rec.State = st.State()
		rec.Running = &running
		rec.Completed = &completed
		rec.PID = st.PID
		rec.Level = string(st.Level)
		rec.StopReason = st.StopReason
		rec.Progress = st.Progress
		if v.Probe.Alert() {
			rec.ProbeError = st.Message
		} else {
			rec.Message = st.Message
		}
	}
	return rec
}

// QueueRecord converts a queue item into its JSONL form.
func QueueRecord(item *statestore.QueueItem) *output.QueueItemRecord {
	return &output.QueueItemRecord{
		ID:        item.ID,
		JobID:     item.JobID,
		Status:    string(item.EffectiveStatus()),
		Reason:    item.Reason,
		NotBefore: item.NotBefore,
		Attempt:   item.Attempt,
		LastRunAt: item.LastRunAt,
		ExitCode:  item.ExitCode,
		LastError: item.LastError,
	}
}

// Record converts the result into its JSONL form.
func (c *CommandResult) Record() *output.RunRecord {
	rec := &output.RunRecord{
		JobID:      c.JobID,
		Command:    c.Command,
		ExitCode:   c.Result.ExitCode,
		DurationMs: c.Result.Duration.Milliseconds(),
		TimedOut:   c.Result.TimedOut,
		DryRun:     c.DryRun,
		StdoutTail: c.Result.StdoutTail,
		StderrTail: c.Result.StderrTail,
	}
	for _, q := range c.Queued {
		rec.Queued = append(rec.Queued, q.ID)
	}
	return rec
}

// EventRecord converts a history row into its JSONL form.
func EventRecord(ev history.Event) *output.EventRecord {
	return &output.EventRecord{
		ID:         ev.ID,
		OccurredAt: ev.OccurredAt,
		Kind:       string(ev.Kind),
		JobID:      ev.JobID,
		Outcome:    ev.Outcome,
		ExitCode:   ev.ExitCode,
		DurationMs: ev.DurationMs,
		Detail:     ev.Detail,
	}
}
