package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/output"
)

var startCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Start a long_running_read job",
	Long: `Run the start command of a long_running_read job.

Jobs whose risk is not read_only are refused unless --allow-risk is given.

Example:
  opswatch start crawl
  opswatch start mirror --allow-risk`,
	Args: jobIDArg,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop a long_running_read job",
	Long: `Run the stop command of a long_running_read job. Jobs without a stop
command are stopped by sending SIGTERM to the pid reported by their status
command. With --grace-seconds the process gets that long to exit before it is
killed; the default sends SIGTERM only.

Example:
  opswatch stop crawl
  opswatch stop crawl --grace-seconds 120`,
	Args: jobIDArg,
	RunE: runStop,
}

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a one-shot job once",
	Long: `Run a one_shot_read job, or an approved one_shot_write job, once.

Write jobs need approval.granted=true in the job config. When a write job
finishes its after[] rules are added to the follow-up queue, which the next
tick drains.

Example:
  opswatch run check
  opswatch run deploy --dry-run`,
	Args: jobIDArg,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, runCmd)

	// Defaults differ per verb; commandOptions reads them back per command.
	startCmd.Flags().Int("timeout-seconds", int(engine.DefaultStartTimeout.Seconds()), "Command timeout")
	startCmd.Flags().Bool("allow-risk", false, "Allow jobs whose risk is not read_only (dangerous)")
	startCmd.Flags().Bool("json", false, "Emit a JSONL run record")

	stopCmd.Flags().Int("timeout-seconds", int(engine.DefaultStopTimeout.Seconds()), "Command timeout")
	stopCmd.Flags().Bool("allow-risk", false, "Allow jobs whose risk is not read_only (dangerous)")
	stopCmd.Flags().Int("grace-seconds", 0, "Seconds to wait after SIGTERM before SIGKILL (0 = SIGTERM only)")
	stopCmd.Flags().Bool("json", false, "Emit a JSONL run record")

	runCmd.Flags().Int("timeout-seconds", int(engine.DefaultRunTimeout.Seconds()), "Command timeout")
	runCmd.Flags().Bool("dry-run", false, "Do not execute; record a synthetic result")
	runCmd.Flags().Bool("json", false, "Emit a JSONL run record")
}

func commandOptions(cmd *cobra.Command) engine.CommandOptions {
	secs, _ := cmd.Flags().GetInt("timeout-seconds")
	grace, _ := cmd.Flags().GetInt("grace-seconds")
	return engine.CommandOptions{
		Timeout:   time.Duration(secs) * time.Second,
		AllowRisk: boolFlag(cmd, "allow-risk"),
		DryRun:    boolFlag(cmd, "dry-run"),
		Grace:     time.Duration(grace) * time.Second,
	}
}

// boolFlag reads a bool flag, treating an undefined flag as false.
func boolFlag(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	return err == nil && v
}

func runStart(cmd *cobra.Command, args []string) error {
	return runJobOp(cmd, "start", args[0], func(a *app) (*engine.CommandResult, error) {
		return a.engine.Start(cmd.Context(), args[0], commandOptions(cmd))
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	if grace, _ := cmd.Flags().GetInt("grace-seconds"); grace < 0 {
		return exitError(engine.ExitBlocking, "Invalid --grace-seconds value", fmt.Errorf("grace must be >= 0"))
	}
	return runJobOp(cmd, "stop", args[0], func(a *app) (*engine.CommandResult, error) {
		return a.engine.Stop(cmd.Context(), args[0], commandOptions(cmd))
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	return runJobOp(cmd, "run", args[0], func(a *app) (*engine.CommandResult, error) {
		return a.engine.Run(cmd.Context(), args[0], commandOptions(cmd))
	})
}

// runJobOp opens the engine, runs op and prints whatever result it produced,
// including the result of a failed command.
func runJobOp(cmd *cobra.Command, verb, id string, op func(*app) (*engine.CommandResult, error)) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, opErr := op(a)
	if res != nil {
		if err := printCommandResult(cmd, verb, res); err != nil {
			return err
		}
	}
	if opErr != nil {
		return fmt.Errorf("%s %s: %w", verb, id, opErr)
	}
	return nil
}

func printCommandResult(cmd *cobra.Command, verb string, res *engine.CommandResult) error {
	if boolFlag(cmd, "json") {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), settings.ConfigFile)
		defer func() { _ = w.Close() }()
		return w.WriteRun(cmd.Context(), res.Record())
	}

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	switch {
	case res.Signal != "":
		fmt.Fprintf(out, "%s %s: %s\n", verb, res.JobID, res.Signal)
		return nil
	case res.DryRun:
		fmt.Fprintf(out, "%s %s: exit=%d (dry-run)\n", verb, res.JobID, res.Result.ExitCode)
	default:
		fmt.Fprintf(out, "%s %s: exit=%d durMs=%d\n", verb, res.JobID, res.Result.ExitCode, res.Result.Duration.Milliseconds())
	}
	if res.Result.TimedOut {
		fmt.Fprintln(errOut, "timed out")
	}
	if res.Result.StdoutTail != "" {
		fmt.Fprintln(out, res.Result.StdoutTail)
	}
	if res.Result.StderrTail != "" {
		fmt.Fprintln(errOut, res.Result.StderrTail)
	}
	for _, q := range res.Queued {
		fmt.Fprintf(out, "queued: %s -> %s notBefore=%s\n", q.ID, q.JobID, q.NotBefore.Format(time.RFC3339))
	}
	return nil
}
