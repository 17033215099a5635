package report

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/statestore"
	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 8, 9, 14, 5, 6, 0, time.UTC)

func effective() jobspec.Effective {
	return jobspec.Effective{ReportEvery: 30 * time.Minute, OnlyOnChange: true, ReportWhileRunning: true}
}

func ago(d time.Duration) *time.Time {
	return statestore.Timestamp(now.Add(-d))
}

func TestDecide_ForcedNoteAlwaysReports(t *testing.T) {
	d := Decide(Input{ForcedNote: true, Quiet: true, State: &statestore.JobState{}, Now: now})
	assert.Equal(t, Decision{Report: true, Reason: ReasonAutorun}, d)
}

func TestDecide_QuietHoursSuppressRoutineOnly(t *testing.T) {
	js := &statestore.JobState{}
	d := Decide(Input{Status: probe.JobStatus{Running: true}, State: js, Effective: effective(), Now: now, Quiet: true})
	assert.False(t, d.Report)
	assert.Equal(t, ReasonQuietHours, d.Reason)

	d = Decide(Input{Anomaly: true, AnomalyKey: "k", State: js, Effective: effective(), Now: now, Quiet: true})
	assert.True(t, d.Report)
}

func TestDecide_AnomalyTrack(t *testing.T) {
	eff := effective()

	js := &statestore.JobState{LastAnomalyKey: "old", LastAnomalyReportAt: ago(time.Minute)}
	assert.Equal(t, ReasonNewAnomaly, Decide(Input{Anomaly: true, AnomalyKey: "new", State: js, Effective: eff, Now: now}).Reason)

	js = &statestore.JobState{LastAnomalyKey: "k", LastAnomalyReportAt: ago(29 * time.Minute)}
	d := Decide(Input{Anomaly: true, AnomalyKey: "k", State: js, Effective: eff, Now: now})
	assert.False(t, d.Report, "reportEvery above the floor extends the backoff")

	js.LastAnomalyReportAt = ago(30 * time.Minute)
	assert.Equal(t, ReasonAnomalyRenotify, Decide(Input{Anomaly: true, AnomalyKey: "k", State: js, Effective: eff, Now: now}).Reason)

	eff.ReportEvery = 0
	js.LastAnomalyReportAt = ago(14 * time.Minute)
	assert.False(t, Decide(Input{Anomaly: true, AnomalyKey: "k", State: js, Effective: eff, Now: now}).Report,
		"the floor applies even when reportEvery is zero")
	js.LastAnomalyReportAt = ago(15 * time.Minute)
	assert.True(t, Decide(Input{Anomaly: true, AnomalyKey: "k", State: js, Effective: eff, Now: now}).Report)
}

func TestDecide_StatusTrack(t *testing.T) {
	eff := effective()

	first := Decide(Input{Status: probe.JobStatus{Running: true}, State: &statestore.JobState{}, Effective: eff, Now: now})
	assert.Equal(t, ReasonStatusChanged, first.Reason)

	js := &statestore.JobState{
		LastSeen:     &statestore.LastSeen{Completed: true},
		LastReportAt: ago(time.Minute),
	}
	assert.Equal(t, ReasonCompleted, Decide(Input{Status: probe.JobStatus{Completed: true}, State: js, Effective: eff, Now: now}).Reason)
	js.ReportedCompleted = true
	assert.False(t, Decide(Input{Status: probe.JobStatus{Completed: true}, State: js, Effective: eff, Now: now}).Report)
}

func TestDecide_RunningTrack(t *testing.T) {
	eff := effective()
	running := probe.JobStatus{Running: true, ProgressKey: "p1"}
	seen := &statestore.LastSeen{Running: true, ProgressKey: "p1"}

	js := &statestore.JobState{LastSeen: seen, LastReportAt: ago(time.Minute)}
	assert.False(t, Decide(Input{Status: running, State: js, Effective: eff, Now: now}).Report)

	js.LastReportAt = ago(30 * time.Minute)
	assert.Equal(t, ReasonInterval, Decide(Input{Status: running, State: js, Effective: eff, Now: now}).Reason)

	js.LastReportAt = ago(time.Minute)
	moved := probe.JobStatus{Running: true, ProgressKey: "p2"}
	assert.Equal(t, ReasonProgress, Decide(Input{Status: moved, State: js, Effective: eff, Now: now}).Reason)

	eff.OnlyOnChange = false
	assert.False(t, Decide(Input{Status: moved, State: js, Effective: eff, Now: now}).Report)

	eff = effective()
	eff.ReportWhileRunning = false
	js.LastReportAt = ago(time.Hour)
	assert.False(t, Decide(Input{Status: moved, State: js, Effective: eff, Now: now}).Report)
}

func TestSection(t *testing.T) {
	job := &jobspec.Job{ID: "crawl", Name: "Crawler", Kind: jobspec.KindLongRunningRead}

	got := Section(job, probe.JobStatus{
		Running: true,
		PID:     77,
		Message: "halfway",
		Progress: map[string]any{
			"g": 7, "a": json.Number("1"), "b": "two", "c": true, "d": nil, "e": []any{1}, "f": 2.5, "h": "hidden",
		},
	}, false, "")
	want := strings.Join([]string{
		"• Crawler (crawl, long_running_read)",
		"- state: running (pid=77)",
		"- message: halfway",
		"- progress: a=1 | b=two | c=true | d=null | f=2.5",
	}, "\n")
	assert.Equal(t, want, got)

	got = Section(job, probe.JobStatus{StopReason: "oom"}, true, "AUTORUN: started")
	assert.Equal(t, strings.Join([]string{
		"• Crawler (crawl, long_running_read)",
		"- state: paused stopReason=oom",
		"- ACTION REQUIRED: confirm the next step (or enable autoResume)",
		"- AUTORUN: started",
	}, "\n"), got)

	got = Section(job, probe.JobStatus{Completed: true}, true, "")
	assert.NotContains(t, got, "ACTION REQUIRED")
	assert.Contains(t, got, "completed")
}

func TestDigest(t *testing.T) {
	d := Digest(now, []string{"• a", "• b"})
	assert.Equal(t, "🛠️ Ops report (14:05:06)\n\n• a\n\n• b", d)
}

func TestConfigError(t *testing.T) {
	msg := ConfigErrorDigest("/etc/ops-jobs.json", errors.New("bad kind"))
	assert.Contains(t, msg, "ALERT: ops-jobs config invalid")
	assert.Contains(t, msg, "- path: /etc/ops-jobs.json")
	assert.Contains(t, msg, "- error: bad kind")

	assert.True(t, ConfigErrorDue(nil, now))
	assert.False(t, ConfigErrorDue(ago(59*time.Minute), now))
	assert.True(t, ConfigErrorDue(ago(time.Hour), now))
}
