package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/runner"
	"github.com/3leaps/opswatch/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 4, 9, 30, 0, 0, time.UTC)

func testConfig() *jobspec.Config {
	jobs := map[string]*jobspec.Job{
		"verify": {ID: "verify", Name: "Verify", Kind: jobspec.KindOneShotRead, Risk: jobspec.RiskReadOnly,
			Commands: map[string][]string{"run": {"verify"}}},
		"watch": {ID: "watch", Name: "Watch", Kind: jobspec.KindLongRunningRead, Risk: jobspec.RiskReadOnly},
		"cleanup": {ID: "cleanup", Name: "Cleanup", Kind: jobspec.KindOneShotRead, Risk: jobspec.RiskWriteLocal,
			Commands: map[string][]string{"run": {"cleanup"}}},
		"deploy": {ID: "deploy", Name: "Deploy", Kind: jobspec.KindOneShotWrite, Risk: jobspec.RiskWriteExternal,
			After: []jobspec.FollowUp{
				{JobID: "verify", When: jobspec.WhenSuccess, DelaySeconds: 60},
				{JobID: "watch", When: jobspec.WhenSuccess},
				{JobID: "cleanup", When: jobspec.WhenFailure, TimeoutSeconds: 20},
			}},
	}
	return &jobspec.Config{Jobs: jobs, Order: []string{"verify", "watch", "cleanup", "deploy"}}
}

type recordingExec struct {
	calls    []string
	timeouts []time.Duration
	res      runner.Result
}

func (r *recordingExec) exec(_ context.Context, job *jobspec.Job, timeout time.Duration) runner.Result {
	r.calls = append(r.calls, job.ID)
	r.timeouts = append(r.timeouts, timeout)
	return r.res
}

func pending(jobID string, notBefore time.Time) *statestore.QueueItem {
	return &statestore.QueueItem{ID: "q-" + jobID, JobID: jobID, CreatedAt: now, NotBefore: notBefore, Status: statestore.QueuePending}
}

func TestEnqueue(t *testing.T) {
	cfg := testConfig()
	deploy, _ := cfg.Job("deploy")
	st := statestore.New()

	added := Enqueue(st, deploy, jobspec.WhenSuccess, now, "after deploy success")
	require.Len(t, added, 2)
	require.Len(t, st.Queue, 2)

	first := st.Queue[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "verify", first.JobID)
	assert.Equal(t, statestore.QueuePending, first.Status)
	assert.Zero(t, first.Attempt)
	assert.True(t, now.Add(time.Minute).Equal(first.NotBefore))
	assert.True(t, now.Equal(st.Queue[1].NotBefore))
	assert.Equal(t, "after deploy success", first.Reason)
	assert.NotEqual(t, first.ID, st.Queue[1].ID)

	added = Enqueue(st, deploy, jobspec.WhenFailure, now, "after deploy failure")
	require.Len(t, added, 1)
	assert.Equal(t, 20, added[0].TimeoutSeconds)
}

func TestDrain_ActionRequiredOutputIsReported(t *testing.T) {
	ex := &recordingExec{res: runner.Result{StdoutTail: "checked 3 hosts\nACTION REQUIRED: rotate certs"}}
	st := statestore.New()
	st.Queue = []*statestore.QueueItem{pending("verify", now.Add(-time.Second))}

	sections := NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)

	assert.Equal(t, []string{"verify"}, ex.calls)
	assert.Equal(t, []time.Duration{DefaultTimeout}, ex.timeouts)
	require.Len(t, sections, 1)
	assert.Contains(t, sections[0], "ACTION REQUIRED: rotate certs")
	assert.True(t, strings.HasPrefix(sections[0], "• Verify (verify)"))

	item := st.Queue[0]
	assert.Equal(t, statestore.QueueDone, item.Status)
	assert.Equal(t, 1, item.Attempt)
	require.NotNil(t, item.ExitCode)
	assert.Equal(t, 0, *item.ExitCode)
	require.NotNil(t, item.LastRunAt)

	// Done items are never re-run.
	sections = NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now.Add(time.Hour))
	assert.Empty(t, sections)
	assert.Len(t, ex.calls, 1)
}

func TestDrain_QuietSuccess(t *testing.T) {
	ex := &recordingExec{res: runner.Result{StdoutTail: "all good"}}
	st := statestore.New()
	st.Queue = []*statestore.QueueItem{pending("verify", now)}

	sections := NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)
	assert.Empty(t, sections)
	assert.Equal(t, statestore.QueueDone, st.Queue[0].Status)
}

func TestDrain_NotYetDue(t *testing.T) {
	ex := &recordingExec{}
	st := statestore.New()
	st.Queue = []*statestore.QueueItem{pending("verify", now.Add(time.Second))}

	sections := NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)
	assert.Empty(t, sections)
	assert.Empty(t, ex.calls)
	assert.Equal(t, statestore.QueuePending, st.Queue[0].Status)
}

func TestDrain_BlocksUnsafeTargets(t *testing.T) {
	ex := &recordingExec{}
	st := statestore.New()
	st.Queue = []*statestore.QueueItem{
		pending("watch", now),
		pending("cleanup", now),
		pending("deploy", now),
		pending("ghost", now),
	}

	sections := NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)

	assert.Empty(t, ex.calls, "nothing unsafe may execute")
	require.Len(t, sections, 4)
	assert.Contains(t, sections[0], "ACTION REQUIRED: queued job blocked")
	assert.Contains(t, sections[0], "watch (long_running_read, read_only)")
	assert.Contains(t, sections[1], "cleanup (one_shot_read, write_local)")
	assert.Contains(t, sections[2], "deploy (one_shot_write, write_external)")
	assert.Contains(t, sections[3], "ALERT: queued job missing")
	for _, item := range st.Queue {
		assert.Equal(t, statestore.QueueBlocked, item.Status)
		assert.NotEmpty(t, item.LastError)
		assert.Zero(t, item.Attempt)
	}
	assert.Equal(t, "unknown jobId", st.Queue[3].LastError)
}

func TestDrain_Failures(t *testing.T) {
	tests := []struct {
		name string
		res  runner.Result
		want string
	}{
		{"non-zero", runner.Result{ExitCode: 2}, "- exit: 2"},
		{"timeout", runner.Result{ExitCode: runner.ExitTimeout, TimedOut: true}, "(timeout)"},
		{"spawn", runner.Result{ExitCode: runner.ExitSpawnFailure, Err: errors.New("exec: not found")}, "queued job error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := pending("verify", now)
			item.TimeoutSeconds = 7
			st := statestore.New()
			st.Queue = []*statestore.QueueItem{item}
			ex := &recordingExec{res: tt.res}

			sections := NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)
			require.Len(t, sections, 1)
			assert.Contains(t, sections[0], "ALERT")
			assert.Contains(t, sections[0], tt.want)
			assert.Equal(t, statestore.QueueFailed, item.Status)
			assert.Equal(t, []time.Duration{7 * time.Second}, ex.timeouts)
		})
	}
}

func TestDrain_RerunsInterruptedItem(t *testing.T) {
	item := pending("verify", now)
	item.Status = statestore.QueueRunning
	item.Attempt = 1
	st := statestore.New()
	st.Queue = []*statestore.QueueItem{item}
	ex := &recordingExec{}

	NewDrainer(ex.exec, nil).Drain(context.Background(), st, testConfig(), now)
	assert.Equal(t, 2, item.Attempt)
	assert.Equal(t, statestore.QueueDone, item.Status)
}

func TestDrain_TrimsHistory(t *testing.T) {
	st := statestore.New()
	for i := 0; i < HistoryLimit+25; i++ {
		item := pending("verify", now)
		item.ID = fmt.Sprintf("q%03d", i)
		item.Status = statestore.QueueDone
		st.Queue = append(st.Queue, item)
	}

	NewDrainer((&recordingExec{}).exec, nil).Drain(context.Background(), st, testConfig(), now)
	require.Len(t, st.Queue, HistoryLimit)
	assert.Equal(t, "q025", st.Queue[0].ID)
	assert.Equal(t, fmt.Sprintf("q%03d", HistoryLimit+24), st.Queue[HistoryLimit-1].ID)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(statestore.QueuePending, statestore.QueueRunning))
	assert.True(t, CanTransition(statestore.QueuePending, statestore.QueueBlocked))
	assert.False(t, CanTransition(statestore.QueuePending, statestore.QueueDone))
	assert.False(t, CanTransition(statestore.QueueDone, statestore.QueueRunning))
	assert.False(t, CanTransition(statestore.QueueBlocked, statestore.QueueRunning))

	item := &statestore.QueueItem{ID: "x"}
	require.NoError(t, Transition(item, statestore.QueueRunning))
	require.NoError(t, Transition(item, statestore.QueueFailed))
	assert.Error(t, Transition(item, statestore.QueueRunning))
}

func TestNeedsAttention(t *testing.T) {
	assert.True(t, NeedsAttention("x ALERT y"))
	assert.True(t, NeedsAttention("ACTION REQUIRED"))
	assert.False(t, NeedsAttention("alert in lowercase"))
}
