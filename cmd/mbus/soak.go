package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
	soakQueueKey        = "soak.queue"
	soakDurationKey     = "soak.duration"
	soakSendersKey      = "soak.senders"
	soakReceiversKey    = "soak.receivers"
	soakPayloadKey      = "soak.payload"
	soakHandleTimeKey   = "soak.handle_time"
	soakLockDurationKey = "soak.lock_duration"
	soakSendIntervalKey = "soak.send_interval"
)

func newSoakCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Run concurrent senders and receivers for a duration",
		Long: `Soak runs an embedded broker under concurrent senders and auto-renewing
receivers for a fixed duration, then prints throughput and broker counters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, err := resolveLogger(baseLogger, "cli.soak")
			if err != nil {
				return err
			}
			return runSoak(cmd, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("queue", "soak", "queue name")
	flags.Duration("duration", 10*time.Second, "how long to run")
	flags.Int("senders", 2, "concurrent senders")
	flags.Int("receivers", 2, "concurrent receivers")
	flags.String("payload", "1KB", "payload size per message")
	flags.Duration("handle-time", 50*time.Millisecond, "simulated processing time per message")
	flags.Duration("lock-duration", 5*time.Second, "lock duration requested per delivery")
	flags.Duration("send-interval", 10*time.Millisecond, "pause between sends per sender (0 floods)")

	mustBindFlag(soakQueueKey, "MBUS_SOAK_QUEUE", flags.Lookup("queue"))
	mustBindFlag(soakDurationKey, "MBUS_SOAK_DURATION", flags.Lookup("duration"))
	mustBindFlag(soakSendersKey, "MBUS_SOAK_SENDERS", flags.Lookup("senders"))
	mustBindFlag(soakReceiversKey, "MBUS_SOAK_RECEIVERS", flags.Lookup("receivers"))
	mustBindFlag(soakPayloadKey, "MBUS_SOAK_PAYLOAD", flags.Lookup("payload"))
	mustBindFlag(soakHandleTimeKey, "MBUS_SOAK_HANDLE_TIME", flags.Lookup("handle-time"))
	mustBindFlag(soakLockDurationKey, "MBUS_SOAK_LOCK_DURATION", flags.Lookup("lock-duration"))
	mustBindFlag(soakSendIntervalKey, "MBUS_SOAK_SEND_INTERVAL", flags.Lookup("send-interval"))

	return cmd
}

func runSoak(cmd *cobra.Command, logger pslog.Logger) error {
	ctx := cmd.Context()
	queue := viper.GetString(soakQueueKey)
	duration := viper.GetDuration(soakDurationKey)
	senders := viper.GetInt(soakSendersKey)
	receivers := viper.GetInt(soakReceiversKey)
	handleTime := viper.GetDuration(soakHandleTimeKey)
	lockDuration := viper.GetDuration(soakLockDurationKey)
	sendInterval := viper.GetDuration(soakSendIntervalKey)
	if duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if senders <= 0 || receivers <= 0 {
		return fmt.Errorf("senders and receivers must be >= 1")
	}
	if lockDuration < time.Second {
		return fmt.Errorf("lock-duration must be at least 1s")
	}
	payloadSize, err := humanize.ParseBytes(viper.GetString(soakPayloadKey))
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
		client.WithRenewInterval(lockDuration/2),
		client.WithPollInterval(lockDuration/10),
		client.WithRenewerMetrics(reg),
	)
	defer func() { _ = renewer.Close() }()

	logger.Info("soak.start",
		"queue", queue,
		"duration", duration.String(),
		"senders", senders,
		"receivers", receivers,
		"payload", humanize.Bytes(payloadSize),
	)

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var (
		sent      atomic.Int64
		completed atomic.Int64
		lockLost  atomic.Int64
		bytesIn   atomic.Int64
	)
	payload := bytes.Repeat([]byte("s"), int(payloadSize))

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender, err := cli.NewSender(queue)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				if _, err := sender.Send(runCtx, api.Message{Body: payload}); err != nil {
					return
				}
				sent.Add(1)
				bytesIn.Add(int64(len(payload)))
				if sendInterval > 0 {
					select {
					case <-runCtx.Done():
						return
					case <-time.After(sendInterval):
					}
				}
			}
		}()
	}
	for i := 0; i < receivers; i++ {
		recv, err := cli.NewReceiver(queue, client.WithAutoLockRenewer(renewer))
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				msg, err := recv.Receive(runCtx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					logger.Warn("soak.receive.error", "error", err)
					return
				}
				if msg == nil {
					select {
					case <-runCtx.Done():
						return
					case <-time.After(5 * time.Millisecond):
					}
					continue
				}
				if handleTime > 0 {
					select {
					case <-runCtx.Done():
					case <-time.After(handleTime):
					}
				}
				if err := msg.Complete(context.Background()); err != nil {
					var lee *client.LockExpiredError
					if errors.As(err, &lee) {
						lockLost.Add(1)
						continue
					}
					logger.Warn("soak.complete.error", "message_id", msg.ID(), "error", err)
					continue
				}
				completed.Add(1)
			}
		}()
	}
	wg.Wait()
	logger.Info("soak.done")

	stats := broker.Stats()
	elapsed := duration.Seconds()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sent      %s messages (%s)\n",
		humanize.Comma(sent.Load()), humanize.Bytes(uint64(bytesIn.Load())))
	fmt.Fprintf(out, "completed %s messages (%.0f msg/s)\n",
		humanize.Comma(completed.Load()), float64(completed.Load())/elapsed)
	fmt.Fprintf(out, "renewals  %.0f succeeded of %.0f attempts\n",
		counterValue(reg, "mbus_renewer_renewals_total"),
		counterValue(reg, "mbus_renewer_attempts_total"))
	if n := lockLost.Load(); n > 0 {
		fmt.Fprintf(out, "lock lost %s settlements\n", humanize.Comma(n))
	}
	if stats.DeadLetters > 0 {
		fmt.Fprintf(out, "dead letters %s\n", humanize.Comma(stats.DeadLetters))
	}
	if qs, ok := stats.Queues[queue]; ok {
		fmt.Fprintf(out, "backlog   %s ready, %s locked\n",
			humanize.Comma(int64(qs.Ready)), humanize.Comma(int64(qs.Locked)))
	}
	return nil
}
