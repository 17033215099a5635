package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/opswatch/pkg/jobspec"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the job config",
	Long: `Load and validate the job config without probing or running anything.

Example:
  opswatch validate-config --config-file ./ops-jobs.yaml`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := a.engine.Validate()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), validationSummary(cfg))
	return nil
}

func validationSummary(cfg *jobspec.Config) string {
	d := cfg.Defaults
	return fmt.Sprintf("OK: version=%d jobs=%d defaults=quietHours=%s reportEvery=%s stall=%s autoResume=%t autoResumeBackoff=%s",
		jobspec.Version, len(cfg.Jobs), d.QuietHours, d.ReportEvery, d.Stall, d.AutoResume, d.AutoResumeBackoff)
}
