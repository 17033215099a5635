// Package cmd implements the opswatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/config"
	"github.com/3leaps/opswatch/internal/observability"
	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/notify"
	"github.com/3leaps/opswatch/pkg/runner"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	settings    *config.Config

	verbose bool
)

// flagSettings maps CLI flags onto settings keys. A flag only overrides the
// settings layer when it was set explicitly.
var flagSettings = map[string]string{
	"config-file":  "config_file",
	"state-file":   "state_file",
	"history-file": "history_file",
	"strict-state": "strict_state",
	"log-level":    "logging.level",
	"host":         "server.host",
	"port":         "server.port",
	"interval":     "server.interval",
}

var rootCmd = &cobra.Command{
	Use:   "opswatch",
	Short: "Supervise long-running and one-shot ops jobs",
	Long: `opswatch probes long-running jobs, detects anomalies, auto-resumes paused
read-only jobs, drains a follow-up queue and sends a digest when something
changed.

Jobs are declared in ops-jobs.json (JSON or YAML). Supervisor state is kept
in a single JSON file between ticks.

Exit codes:
  0  ok
  1  partial failure (a command failed, state could not be written)
  2  blocking error (invalid config, unknown job, risk or approval refused)
  3  no notification destination`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config-file", "", "Job config file (default <user config dir>/opswatch/ops-jobs.json)")
	pf.String("state-file", "", "Supervisor state file (default <app data dir>/state/ops-state.json)")
	pf.String("history-file", "", "Audit history database (default <app data dir>/history.db)")
	pf.Bool("strict-state", false, "Fail on a malformed state file instead of starting from empty state")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return exitError(engine.ExitBlocking, "invalid flags", err)
	})
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	defer observability.Sync()

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return engine.ExitOK
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "ERROR: %v\n", err)
	return exitCodeOf(err)
}

// SetVersionInfo records build metadata for the version command and server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved during startup, or nil
// before settings were loaded.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func initApp(cmd *cobra.Command, _ []string) error {
	s, err := config.Load(cmd.Context(), settingsOverrides(cmd.Flags()))
	if err != nil {
		return exitError(engine.ExitBlocking, "failed to load settings", err)
	}
	settings = s
	appIdentity = config.GetIdentity()

	name := config.DefaultIdentity.BinaryName
	if appIdentity != nil {
		name = appIdentity.BinaryName
	}
	observability.InitCLILogger(name, verbose, s.Logging.Level)
	observability.CLILogger.Debug("settings loaded",
		zap.String("config_file", s.ConfigFile),
		zap.String("state_file", s.StateFile),
		zap.String("notify_driver", s.Notify.Driver))
	return nil
}

// settingsOverrides collects explicitly set flags that shadow settings.
func settingsOverrides(flags *pflag.FlagSet) map[string]any {
	out := map[string]any{}
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagSettings[f.Name]; ok {
			out[key] = f.Value.String()
		}
	})
	return out
}

// app bundles what a command needs to talk to the engine.
type app struct {
	settings *config.Config
	engine   *engine.Engine
	history  *history.Store
	notifier notify.Notifier
}

// openApp builds the engine from the loaded settings. The history store is
// optional: when it cannot be opened the engine runs without an audit trail.
func openApp(cmd *cobra.Command) (*app, error) {
	s := settings
	if s == nil {
		return nil, errors.New("settings not loaded")
	}
	ctx := cmd.Context()
	log := observability.CLILogger

	n, target, err := buildNotifier(s.Notify, cmd.OutOrStdout())
	if err != nil {
		return nil, exitError(engine.ExitBlocking, "invalid notify settings", err)
	}

	a := &app{settings: s, notifier: n}
	if s.HistoryFile != "" {
		store, err := history.Open(ctx, s.HistoryFile)
		if err != nil {
			log.Warn("history disabled", zap.String("path", s.HistoryFile), zap.Error(err))
		} else {
			a.history = store
		}
	}

	home, _ := os.UserHomeDir()
	opts := []engine.Option{
		engine.WithOutput(cmd.OutOrStdout()),
		engine.WithLogger(log),
		engine.WithStrictState(s.StrictState),
		engine.WithProbeTimeout(s.ProbeTimeout),
		engine.WithAutoResumeTimeout(s.StartTimeout),
	}
	if n != nil {
		opts = append(opts, engine.WithNotifier(n, target))
	}
	if a.history != nil {
		opts = append(opts, engine.WithRecorder(a.history))
	}
	a.engine = engine.New(engine.Paths{
		ConfigFile: s.ConfigFile,
		StateFile:  s.StateFile,
		DefaultCwd: s.DefaultCwd,
		HomeDir:    home,
	}, opts...)
	return a, nil
}

func (a *app) Close() {
	if a.notifier != nil {
		if err := notify.Close(a.notifier); err != nil {
			observability.CLILogger.Debug("notifier close failed", zap.Error(err))
		}
	}
	if a.history != nil {
		_ = a.history.Close()
	}
}

// buildNotifier returns the configured sink and its default target. The
// print driver writes to out and needs no target.
func buildNotifier(nc config.NotifyConfig, out io.Writer) (notify.Notifier, string, error) {
	var (
		n      notify.Notifier
		err    error
		target = nc.Target
	)
	switch nc.Driver {
	case config.DriverNone:
		return nil, target, nil
	case config.DriverPrint:
		n = notify.NewPrint(out)
		if target == "" {
			target = "stdout"
		}
	case config.DriverCommand:
		n, err = notify.NewCommand(nc.Command, runner.Exec{}, nc.Timeout)
	case config.DriverRedis:
		n, err = notify.NewRedis(nc.Redis.URL, nc.Redis.Key)
	case config.DriverMailgun:
		n, err = notify.NewMailgun(notify.MailgunConfig{
			Domain:  nc.Mailgun.Domain,
			APIKey:  nc.Mailgun.APIKey,
			From:    nc.Mailgun.From,
			Subject: nc.Mailgun.Subject,
			APIBase: nc.Mailgun.APIBase,
		})
	default:
		return nil, "", fmt.Errorf("unknown notify driver %q", nc.Driver)
	}
	if err != nil {
		return nil, "", err
	}
	if nc.RatePerSecond > 0 {
		n = notify.NewLimited(n, nc.RatePerSecond)
	}
	return n, target, nil
}

// exitCodeError carries an explicit process exit code.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// exitCodeOf prefers an explicit exit code and falls back to the engine's
// error classification.
func exitCodeOf(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return engine.ExitCode(err)
}

// jobIDArg requires exactly one job id argument.
func jobIDArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return exitError(engine.ExitBlocking, "usage", fmt.Errorf("expected exactly one job id, got %d", len(args)))
	}
	return nil
}
