package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/observability"
	"github.com/3leaps/opswatch/pkg/engine"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one supervisor pass",
	Long: `Run one supervisor pass: drain due follow-up queue items, probe every
enabled long-running job, auto-resume paused read-only jobs where allowed and
deliver a digest when anything is worth reporting.

Example:
  opswatch tick --print-only
  opswatch tick --target ops-channel
  opswatch tick --dry-run --print-only`,
	Args: cobra.NoArgs,
	RunE: runTick,
}

var (
	tickTarget    string
	tickPrintOnly bool
	tickDryRun    bool
)

func init() {
	rootCmd.AddCommand(tickCmd)

	tickCmd.Flags().StringVar(&tickTarget, "target", "", "Notification target (default notify.target)")
	tickCmd.Flags().BoolVar(&tickPrintOnly, "print-only", false, "Print the digest to stdout instead of sending it")
	tickCmd.Flags().BoolVar(&tickDryRun, "dry-run", false, "Do not start jobs or run queue items; monitoring only")
}

func runTick(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Tick(cmd.Context(), engine.TickOptions{
		Target:    tickTarget,
		PrintOnly: tickPrintOnly,
		DryRun:    tickDryRun,
	})
	if res != nil {
		observability.CLILogger.Debug("tick result",
			zap.Int("sections", len(res.Sections)),
			zap.Bool("delivered", res.Delivered),
			zap.Int("jobs", len(res.Jobs)))
	}
	return err
}
