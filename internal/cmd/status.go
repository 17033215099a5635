package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/jobspec"
	"github.com/3leaps/opswatch/pkg/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print current job statuses",
	Long: `Print the status of every configured job. Long-running jobs are probed
with their status command; one-shot jobs report their last run. Nothing is
sent and the state file is not written.

Example:
  opswatch status
  opswatch status --jobs 'crawl-*'
  opswatch status --json --no-probe`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusJobs    string
	statusJSON    bool
	statusNoProbe bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusJobs, "jobs", "", "Glob matched against job ids (doublestar syntax)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit JSONL records")
	statusCmd.Flags().BoolVar(&statusNoProbe, "no-probe", false, "Do not run status commands")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.Status(cmd.Context(), engine.StatusOptions{Jobs: statusJobs, NoProbe: statusNoProbe})
	if err != nil {
		return err
	}
	if statusJSON {
		return writeStatusJSONL(cmd, rep)
	}
	writeStatusText(cmd.OutOrStdout(), rep)
	return nil
}

func writeStatusJSONL(cmd *cobra.Command, rep *engine.StatusReport) error {
	ctx := cmd.Context()
	w := output.NewJSONLWriter(cmd.OutOrStdout(), rep.ConfigPath)
	defer func() { _ = w.Close() }()

	for _, v := range rep.Jobs {
		if err := w.WriteJobStatus(ctx, v.Record()); err != nil {
			return err
		}
	}
	for _, q := range rep.Queue {
		if err := w.WriteQueueItem(ctx, engine.QueueRecord(q)); err != nil {
			return err
		}
	}
	return nil
}

func writeStatusText(w io.Writer, rep *engine.StatusReport) {
	var lines []string
	for _, v := range rep.Jobs {
		lines = append(lines, fmt.Sprintf("- %s: %s", v.Job.ID, statusLine(v)))
	}
	if len(rep.Queue) > 0 {
		lines = append(lines, "", fmt.Sprintf("queue: %d", len(rep.Queue)))
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

func statusLine(v engine.JobView) string {
	switch v.Job.Kind {
	case jobspec.KindLongRunningRead:
		switch {
		case v.Probe == nil && !v.Job.Enabled:
			return "disabled"
		case v.Probe == nil:
			return "not probed"
		case v.Probe.Alert():
			return "ALERT " + v.Probe.Status.Message
		}
		st := v.Probe.Status
		switch {
		case st.Completed:
			return "completed"
		case st.Running && st.PID > 0:
			return fmt.Sprintf("running pid=%d", st.PID)
		case st.Running:
			return "running"
		case st.StopReason != "":
			return "paused stopReason=" + st.StopReason
		default:
			return "paused"
		}
	case jobspec.KindOneShotRead:
		if v.State != nil && v.State.LastRun != nil {
			return fmt.Sprintf("lastRun exit=%d", v.State.LastRun.ExitCode)
		}
		return "never ran"
	default:
		return fmt.Sprintf("write (approved=%t)", v.Approved)
	}
}
