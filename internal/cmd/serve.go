package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/config"
	"github.com/3leaps/opswatch/internal/observability"
	"github.com/3leaps/opswatch/internal/server"
	"github.com/3leaps/opswatch/internal/server/handlers"
	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/notify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Tick on an interval and serve status over HTTP",
	Long: `Run ticks on a fixed interval and expose job status, the follow-up queue,
audit history and health probes over HTTP.

Ticks never overlap: a tick requested through POST /tick waits for a running
one to finish.

Example:
  opswatch serve
  opswatch serve --port 9090 --interval 5m --target ops-channel`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveTarget    string
	serveDryRun    bool
	servePrintOnly bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (default server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default server.port)")
	serveCmd.Flags().Duration("interval", 0, "Tick interval (default server.interval)")
	serveCmd.Flags().StringVar(&serveTarget, "target", "", "Notification target (default notify.target)")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Do not start jobs or run queue items")
	serveCmd.Flags().BoolVar(&servePrintOnly, "print-only", false, "Print digests to stdout instead of sending them")
}

// loopHealthChecker reports the tick loop unhealthy after a blocking tick.
type loopHealthChecker struct {
	loop *server.Loop
}

func (c loopHealthChecker) CheckHealth(ctx context.Context) error {
	return c.loop.CheckHealth(ctx)
}

// identityHealthChecker verifies the resolved application identity.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// pinger is implemented by sinks that hold a connection.
type pinger interface {
	Ping(ctx context.Context) error
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	s := a.settings
	log := observability.CLILogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := server.NewLoop(a.engine, s.Server.Interval, engine.TickOptions{
		Target:    serveTarget,
		DryRun:    serveDryRun,
		PrintOnly: servePrintOnly,
	}, log.Named("loop"))

	registerHealthChecks(a, loop)

	opts := []server.Option{
		server.WithStatusSource(a.engine),
		server.WithTickTrigger(loop),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
			GoVersion: runtime.Version(),
		}),
		server.WithTimeouts(s.Server.ReadTimeout, s.Server.WriteTimeout),
		server.WithLogger(log.Named("http")),
	}
	if a.history != nil {
		opts = append(opts, server.WithHistory(a.history))
	}
	srv := server.New(s.Server.Host, s.Server.Port, opts...)

	log.Info("opswatch serve starting",
		zap.String("addr", srv.Addr()),
		zap.Duration("interval", s.Server.Interval),
		zap.String("config_file", s.ConfigFile))

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	srvErr := srv.ListenAndServe(ctx, s.Server.ShutdownTimeout)
	stop()
	loopErr := <-loopDone

	if srvErr != nil {
		return fmt.Errorf("serve: %w", srvErr)
	}
	return loopErr
}

func registerHealthChecks(a *app, loop *server.Loop) {
	hm := handlers.InitHealthManager(versionInfo.Version)

	id := config.DefaultIdentity
	if appIdentity != nil {
		id = *appIdentity
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("jobs_config", handlers.CheckerFunc(func(context.Context) error {
		_, err := a.engine.Validate()
		return err
	}))
	hm.RegisterChecker("tick_loop", loopHealthChecker{loop: loop})
	if p, ok := unwrapNotifier(a.notifier).(pinger); ok {
		hm.RegisterChecker("notifier", handlers.CheckerFunc(p.Ping))
	}
}

// unwrapNotifier returns the sink behind a rate limiter.
func unwrapNotifier(n notify.Notifier) notify.Notifier {
	if l, ok := n.(*notify.Limited); ok {
		return l.Unwrap()
	}
	return n
}
