// Package anomaly flags long-running jobs that stall or stop while enabled.
package anomaly

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/probe"
	"github.com/3leaps/opswatch/pkg/statestore"
)

// Kind names the trigger that fired.
type Kind string

const (
	KindNone   Kind = ""
	KindStall  Kind = "stall"
	KindPaused Kind = "paused"
)

// Input is everything Detect looks at.
type Input struct {
	Job    *jobspec.Job
	Status probe.JobStatus
	// State is updated in place with progress tracking.
	State *statestore.JobState
	Now   time.Time
	Stall time.Duration
}

// Finding is the detection result. Status may be rewritten to describe a stall.
type Finding struct {
	Anomaly bool
	Kind    Kind
	Status  probe.JobStatus
	Key     string
}

// Detect evaluates stall and paused-while-enabled triggers. It only applies
// to long_running_read jobs; other kinds pass through untouched.
func Detect(in Input) Finding {
	f := Finding{Status: in.Status}
	if in.Job == nil || in.Job.Kind != jobspec.KindLongRunningRead {
		return f
	}

	st := in.Status
	if st.Running && st.ProgressKey != "" && in.State != nil {
		if st.ProgressKey != in.State.LastProgressKey {
			in.State.LastProgressKey = st.ProgressKey
			in.State.LastProgressAt = statestore.Timestamp(in.Now)
		} else if in.Stall > 0 && in.State.LastProgressAt != nil && in.Now.Sub(*in.State.LastProgressAt) >= in.Stall {
			f.Anomaly = true
			f.Kind = KindStall
			f.Status.Level = probe.LevelAlert
			f.Status.Message = stallMessage(in.Stall, st.Message)
		}
	}

	if in.Job.Enabled && st.Paused() {
		f.Anomaly = true
		if f.Kind == KindNone {
			f.Kind = KindPaused
		}
	}

	if f.Anomaly {
		f.Key = Key(f.Status)
	}
	return f
}

func stallMessage(stall time.Duration, original string) string {
	msg := fmt.Sprintf("stalled >= %ds", int64(stall/time.Second))
	if original != "" {
		msg += " (" + original + ")"
	}
	return msg
}

// Key fingerprints the fields of a status that define an anomaly. Equal
// inputs always produce the same key.
func Key(st probe.JobStatus) string {
	fields := map[string]any{
		"running":     st.Running,
		"completed":   st.Completed,
		"stopReason":  nullable(st.StopReason),
		"level":       nullable(string(st.Level)),
		"message":     nullable(st.Message),
		"progressKey": nullable(st.ProgressKey),
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "anomaly"
	}
	return string(b)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
