package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/3leaps/opswatch/internal/server/handlers"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	// Printing the version must not depend on readable settings.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Emit JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	info := handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
	}
	if versionJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		return enc.Encode(info)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "opswatch %s (commit %s, built %s, %s)\n",
		info.Version, info.Commit, info.BuildDate, info.GoVersion)
	return nil
}
