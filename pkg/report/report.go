// Package report decides when a job deserves a notification and renders the
// digest text.
//
// Anomalies and routine progress use separate suppression tracks. An
// unchanged anomaly repeats after max(AnomalyRenotifyFloor, reportEvery);
// routine progress follows the job's report interval only.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/statestore"
)

const (
	// AnomalyRenotifyFloor is the minimum gap between repeats of an unchanged anomaly.
	AnomalyRenotifyFloor = 900 * time.Second

	// ConfigErrorBackoff is the gap between repeated config-error alerts.
	ConfigErrorBackoff = time.Hour

	maxProgressKeys = 6
)

// Reason explains a Decision.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonAutorun         Reason = "autorun"
	ReasonNewAnomaly      Reason = "new_anomaly"
	ReasonAnomalyRenotify Reason = "anomaly_renotify"
	ReasonAnomalyBackoff  Reason = "anomaly_backoff"
	ReasonQuietHours      Reason = "quiet_hours"
	ReasonStatusChanged   Reason = "status_changed"
	ReasonCompleted       Reason = "completed"
	ReasonInterval        Reason = "interval"
	ReasonProgress        Reason = "progress"
)

// Input is the per-job context for a decision.
type Input struct {
	Status     probe.JobStatus
	Anomaly    bool
	AnomalyKey string
	// ForcedNote is true when an auto-resume note must be surfaced.
	ForcedNote bool
	State      *statestore.JobState
	Effective  jobspec.Effective
	Now        time.Time
	Quiet      bool
}

// Decision is the verdict for one job this tick.
type Decision struct {
	Report bool
	Reason Reason
}

// Decide applies the reporting rules in priority order.
func Decide(in Input) Decision {
	js := in.State
	if js == nil {
		js = &statestore.JobState{}
	}

	if in.ForcedNote {
		return Decision{Report: true, Reason: ReasonAutorun}
	}
	if in.Quiet && !in.Anomaly {
		return Decision{Reason: ReasonQuietHours}
	}

	if in.Anomaly {
		if in.AnomalyKey != "" && in.AnomalyKey != js.LastAnomalyKey {
			return Decision{Report: true, Reason: ReasonNewAnomaly}
		}
		floor := AnomalyRenotifyFloor
		if in.Effective.ReportEvery > floor {
			floor = in.Effective.ReportEvery
		}
		if js.LastAnomalyReportAt != nil && in.Now.Sub(*js.LastAnomalyReportAt) < floor {
			return Decision{Reason: ReasonAnomalyBackoff}
		}
		return Decision{Report: true, Reason: ReasonAnomalyRenotify}
	}

	var prev statestore.LastSeen
	if js.LastSeen != nil {
		prev = *js.LastSeen
	}
	st := in.Status
	if st.Running != prev.Running || st.Completed != prev.Completed {
		return Decision{Report: true, Reason: ReasonStatusChanged}
	}
	if st.Completed && !js.ReportedCompleted {
		return Decision{Report: true, Reason: ReasonCompleted}
	}
	if st.Running && in.Effective.ReportWhileRunning {
		every := in.Effective.ReportEvery
		if every > 0 && (js.LastReportAt == nil || in.Now.Sub(*js.LastReportAt) >= every) {
			return Decision{Report: true, Reason: ReasonInterval}
		}
		progressChanged := st.ProgressKey != "" && st.ProgressKey != prev.ProgressKey
		if progressChanged && in.Effective.OnlyOnChange {
			return Decision{Report: true, Reason: ReasonProgress}
		}
	}
	return Decision{}
}

// Section renders one job's block of the digest.
func Section(job *jobspec.Job, st probe.JobStatus, anomaly bool, note string) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("• %s (%s, %s)", job.Name, job.ID, job.Kind))
	switch {
	case st.Completed:
		lines = append(lines, "- state: completed ✅")
	case st.Running:
		if st.PID > 0 {
			lines = append(lines, fmt.Sprintf("- state: running (pid=%d)", st.PID))
		} else {
			lines = append(lines, "- state: running")
		}
	default:
		if st.StopReason != "" {
			lines = append(lines, "- state: paused stopReason="+st.StopReason)
		} else {
			lines = append(lines, "- state: paused")
		}
	}
	if st.Message != "" {
		lines = append(lines, "- message: "+st.Message)
	}
	if p := progressLine(st.Progress); p != "" {
		lines = append(lines, "- progress: "+p)
	}
	if anomaly && !st.Completed {
		lines = append(lines, "- ACTION REQUIRED: confirm the next step (or enable autoResume)")
	}
	if note != "" {
		lines = append(lines, "- "+note)
	}
	return strings.Join(lines, "\n")
}

func progressLine(progress map[string]any) string {
	if len(progress) == 0 {
		return ""
	}
	keys := make([]string, 0, len(progress))
	for k := range progress {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxProgressKeys {
		keys = keys[:maxProgressKeys]
	}
	var parts []string
	for _, k := range keys {
		switch v := progress[k].(type) {
		case nil:
			parts = append(parts, k+"=null")
		case string, bool, float64, int, int64, fmt.Stringer:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " | ")
}

// Digest joins sections under a timestamped header.
func Digest(now time.Time, sections []string) string {
	header := fmt.Sprintf("🛠️ Ops report (%s)", now.Format("15:04:05"))
	return header + "\n\n" + strings.Join(sections, "\n\n")
}

// ConfigErrorDigest renders the alert sent when the job config cannot load.
func ConfigErrorDigest(path string, err error) string {
	return fmt.Sprintf("🛠️ Ops report\n\n• ALERT: ops-jobs config invalid\n- path: %s\n- error: %v", path, err)
}

// ConfigErrorDue reports whether a config-error alert may be sent at now.
func ConfigErrorDue(last *time.Time, now time.Time) bool {
	return last == nil || now.Sub(*last) >= ConfigErrorBackoff
}
