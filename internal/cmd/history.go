package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/opswatch/internal/observability"
	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit history",
	Long: `Show recorded digests, config-error alerts, auto-resumes and manual
operations, newest first.

Example:
  opswatch history --limit 20
  opswatch history --job crawl --kind autoresume
  opswatch history --since 24h --json
  opswatch history --prune-older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyLimit      int
	historyJob        string
	historyKind       string
	historySince      time.Duration
	historyPruneOlder time.Duration
	historyJSON       bool
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultListLimit, "Maximum number of events")
	historyCmd.Flags().StringVar(&historyJob, "job", "", "Only events for this job id")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only events of this kind (digest, config_error, run, queue_run, autoresume, start, stop)")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only events newer than this duration")
	historyCmd.Flags().DurationVar(&historyPruneOlder, "prune-older-than", 0, "Delete events older than this duration and exit")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Emit JSONL records")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if historyLimit < 0 {
		return exitError(engine.ExitBlocking, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.history == nil {
		return errors.New("history store unavailable; set history_file or OPSWATCH_HISTORY")
	}
	ctx := cmd.Context()

	if historyPruneOlder > 0 {
		n, err := a.history.Prune(ctx, time.Now().Add(-historyPruneOlder))
		if err != nil {
			return err
		}
		observability.CLILogger.Info("history pruned", zap.Int64("deleted", n))
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d events\n", n)
		return nil
	}

	f := history.Filter{JobID: historyJob, Kind: history.Kind(historyKind), Limit: historyLimit}
	if historySince > 0 {
		since := time.Now().Add(-historySince)
		f.Since = &since
	}
	events, err := a.history.List(ctx, f)
	if err != nil {
		return err
	}

	if historyJSON {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), a.settings.HistoryFile)
		defer func() { _ = w.Close() }()
		for _, ev := range events {
			if err := w.WriteEvent(ctx, engine.EventRecord(ev)); err != nil {
				return err
			}
		}
		return nil
	}
	writeHistoryText(cmd.OutOrStdout(), events)
	return nil
}

func writeHistoryText(w io.Writer, events []history.Event) {
	for _, ev := range events {
		parts := []string{ev.OccurredAt.UTC().Format(time.RFC3339), string(ev.Kind)}
		if ev.JobID != "" {
			parts = append(parts, ev.JobID)
		}
		if ev.Outcome != "" {
			parts = append(parts, ev.Outcome)
		}
		if ev.ExitCode != nil {
			parts = append(parts, fmt.Sprintf("exit=%d", *ev.ExitCode))
		}
		if ev.DurationMs != nil {
			parts = append(parts, fmt.Sprintf("durMs=%d", *ev.DurationMs))
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
	}
}
