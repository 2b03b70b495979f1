package main

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/mbus"
	"pkt.systems/mbus/api"
	"pkt.systems/mbus/client"
	"pkt.systems/pslog"
)

const (
	demoQueueKey         = "demo.queue"
	demoMessagesKey      = "demo.messages"
	demoHandleTimeKey    = "demo.handle_time"
	demoLockDurationKey  = "demo.lock_duration"
	demoRenewIntervalKey = "demo.renew_interval"
	demoMaxRenewalKey    = "demo.max_renewal"
	demoPayloadKey       = "demo.payload"
)

func newDemoCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Send and consume messages with automatic lock renewal",
		Long: `Demo runs an embedded broker, sends a handful of messages, and consumes
them with a handler that deliberately holds each message past its lock
duration. An attached lock renewer keeps the locks alive; the summary shows
how many renewals that took.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, err := resolveLogger(baseLogger, "cli.demo")
			if err != nil {
				return err
			}
			return runDemo(cmd, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("queue", "demo", "queue name")
	flags.Int("messages", 3, "number of messages to send")
	flags.Duration("handle-time", 5*time.Second, "simulated processing time per message")
	flags.Duration("lock-duration", 2*time.Second, "lock duration requested per delivery")
	flags.Duration("renew-interval", time.Second, "renew once lock expiry is this close")
	flags.Duration("max-renewal", time.Minute, "renewal budget per message")
	flags.String("payload", "1KB", "payload size per message")

	mustBindFlag(demoQueueKey, "MBUS_DEMO_QUEUE", flags.Lookup("queue"))
	mustBindFlag(demoMessagesKey, "MBUS_DEMO_MESSAGES", flags.Lookup("messages"))
	mustBindFlag(demoHandleTimeKey, "MBUS_DEMO_HANDLE_TIME", flags.Lookup("handle-time"))
	mustBindFlag(demoLockDurationKey, "MBUS_DEMO_LOCK_DURATION", flags.Lookup("lock-duration"))
	mustBindFlag(demoRenewIntervalKey, "MBUS_DEMO_RENEW_INTERVAL", flags.Lookup("renew-interval"))
	mustBindFlag(demoMaxRenewalKey, "MBUS_DEMO_MAX_RENEWAL", flags.Lookup("max-renewal"))
	mustBindFlag(demoPayloadKey, "MBUS_DEMO_PAYLOAD", flags.Lookup("payload"))

	return cmd
}

func runDemo(cmd *cobra.Command, logger pslog.Logger) error {
	ctx := cmd.Context()
	queue := viper.GetString(demoQueueKey)
	count := viper.GetInt(demoMessagesKey)
	handleTime := viper.GetDuration(demoHandleTimeKey)
	lockDuration := viper.GetDuration(demoLockDurationKey)
	renewInterval := viper.GetDuration(demoRenewIntervalKey)
	maxRenewal := viper.GetDuration(demoMaxRenewalKey)
	if count <= 0 {
		return fmt.Errorf("messages must be >= 1")
	}
	if lockDuration < time.Second {
		return fmt.Errorf("lock-duration must be at least 1s")
	}
	if renewInterval <= 0 {
		return fmt.Errorf("renew-interval must be positive")
	}
	payloadSize, err := humanize.ParseBytes(viper.GetString(demoPayloadKey))
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	broker, err := mbus.NewBroker(mbus.Config{}, mbus.WithLogger(logger))
	if err != nil {
		return err
	}
	cli, err := broker.NewClient(client.WithLockDuration(lockDuration))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	renewer := cli.NewLockRenewer(
		client.WithRenewInterval(renewInterval),
		client.WithPollInterval(renewInterval/4),
		client.WithRenewerMetrics(reg),
	)
	defer func() { _ = renewer.Close() }()

	sender, err := cli.NewSender(queue)
	if err != nil {
		return err
	}
	payload := bytes.Repeat([]byte("m"), int(payloadSize))
	for i := 1; i <= count; i++ {
		sendCtx := client.WithCorrelationID(ctx, "demo-"+strconv.Itoa(i))
		if _, err := sender.Send(sendCtx, api.Message{
			Body:       payload,
			Attributes: map[string]string{"n": strconv.Itoa(i)},
		}); err != nil {
			return err
		}
	}
	logger.Info("demo.sent", "queue", queue, "messages", count, "payload", humanize.Bytes(payloadSize))

	recv, err := cli.NewReceiver(queue,
		client.WithAutoLockRenewer(renewer),
		client.WithMaxRenewalDuration(maxRenewal),
	)
	if err != nil {
		return err
	}

	started := time.Now()
	completed := 0
	var moved uint64
	for completed < count {
		msg, err := recv.Receive(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		logger.Info("demo.message.received",
			"message_id", msg.ID(),
			"n", msg.Attributes()["n"],
			"locked_until", msg.LockedUntil().Format(time.RFC3339),
		)
		select {
		case <-ctx.Done():
			_ = msg.Abandon(context.Background())
			return ctx.Err()
		case <-time.After(handleTime):
		}
		if err := msg.Complete(ctx); err != nil {
			return fmt.Errorf("complete %s: %w", msg.ID(), err)
		}
		completed++
		moved += uint64(len(msg.Body()))
		logger.Info("demo.message.done", "message_id", msg.ID(), "n", msg.Attributes()["n"])
	}
	elapsed := time.Since(started)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "completed %d messages (%s) in %s\n",
		completed, humanize.Bytes(moved), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "lock renewals: %.0f succeeded of %.0f attempts\n",
		counterValue(reg, "mbus_renewer_renewals_total"),
		counterValue(reg, "mbus_renewer_attempts_total"))
	return nil
}

// counterValue sums a counter family from a gatherer, zero when absent.
func counterValue(g prometheus.Gatherer, name string) float64 {
	mfs, err := g.Gather()
	if err != nil {
		return 0
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}
