package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dyluth/spoor/internal/config"
	"github.com/dyluth/spoor/internal/filter"
	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/internal/timespec"
	"github.com/dyluth/spoor/internal/watch"
	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchEvent  string
	watchSink   string
	watchFailed bool
	watchSince  string
	watchUntil  string
	watchOutput string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream dispatch results live",
	Long: `Stream dispatch results published by running trackers.

Requires the redis store with dispatch.publish_results enabled on the
trackers being watched.

Time filters accept Go durations with an optional day part (1h30m, 2d12h)
or RFC3339 timestamps.

Examples:
  spoor watch
  spoor watch --event 'Lead*' --failed
  spoor watch --sink webhook --output json`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchEvent, "event", "e", "", "Only events matching this glob")
	watchCmd.Flags().StringVar(&watchSink, "sink", "", "Only results that attempted this sink")
	watchCmd.Flags().BoolVar(&watchFailed, "failed", false, "Only results with at least one failed sink")
	watchCmd.Flags().StringVar(&watchSince, "since", "", "Only results newer than this (duration or RFC3339)")
	watchCmd.Flags().StringVar(&watchUntil, "until", "", "Only results older than this (duration or RFC3339)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseFormat(watchOutput)
	if err != nil {
		return printedError{printer.Error(
			"invalid output format",
			err.Error(),
			[]string{"Valid formats: default, json"},
		)}
	}

	since, until, err := timespec.ParseRange(watchSince, watchUntil)
	if err != nil {
		return printedError{printer.Error("invalid time filter", err.Error(), nil)}
	}

	criteria := &filter.Criteria{
		SinceTimestampMs: since,
		UntilTimestampMs: until,
		EventGlob:        watchEvent,
		Sink:             watchSink,
		FailedOnly:       watchFailed,
	}
	if err := criteria.Compile(); err != nil {
		return printedError{printer.Error("invalid --event pattern", err.Error(), nil)}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend != config.BackendRedis {
		return printedError{printer.ErrorWithContext(
			"watch needs the redis store",
			"Dispatch results are only published through Redis.",
			map[string]string{"Backend": cfg.Store.Backend},
			[]string{"Set store.backend: redis and dispatch.publish_results: true"},
		)}
	}

	opts, err := redis.ParseURL(cfg.Store.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	client, err := ledger.NewClient(opts, cfg.Namespace)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := client.Ping(ctx); err != nil {
		return printedError{printer.ErrorWithContext(
			"redis unreachable",
			err.Error(),
			map[string]string{"URL": cfg.Store.RedisURL},
			nil,
		)}
	}

	sub, err := client.SubscribeDispatchResults(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching dispatch results in namespace '%s' (Ctrl+C to stop)\n", cfg.Namespace)
	}

	shown, err := watch.Stream(ctx, sub, criteria, format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if format == watch.OutputFormatDefault {
		printer.Info("\n%d result(s) shown\n", shown)
	}
	return nil
}
