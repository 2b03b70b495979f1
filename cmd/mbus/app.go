package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/mbus/internal/svcfields"
	"pkt.systems/pslog"
)

const cliLogLevelKey = "cli.log_level"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MBUS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mbus")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mbus",
		Short:         "mbus drives messaging workloads against an embedded in-process broker",
		SilenceErrors: true,
		Example: `
  # Three messages, each held past its lock duration to show renewal at work
  mbus demo

  # Slow handler and a tight lock to force several renewals per message
  mbus demo --messages 5 --handle-time 8s --lock-duration 2s

  # Ten seconds of concurrent senders and receivers, then a summary
  mbus soak --duration 10s --senders 4 --receivers 4

  # Verbose logging via environment
  MBUS_LOG_LEVEL=debug mbus demo
`,
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.String("log-level", "", "minimum log level (trace|debug|info|warn|error)")
	mustBindFlag(cliLogLevelKey, "MBUS_LOG_LEVEL", persistentFlags.Lookup("log-level"))

	cmd.AddCommand(newDemoCommand(baseLogger))
	cmd.AddCommand(newSoakCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

// resolveLogger applies the --log-level override and tags the subsystem.
func resolveLogger(base pslog.Logger, subsystem string) (pslog.Logger, error) {
	logger := base
	levelStr := strings.TrimSpace(strings.ToLower(viper.GetString(cliLogLevelKey)))
	if levelStr != "" {
		level, ok := pslog.ParseLevel(levelStr)
		if !ok {
			return nil, fmt.Errorf("invalid log level %q", levelStr)
		}
		logger = logger.LogLevel(level)
	}
	return svcfields.WithSubsystem(logger, subsystem), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
