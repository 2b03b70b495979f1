package mbus

import (
	"context"
	"testing"
	"time"

	"pkt.systems/mbus/api"
	"pkt.systems/mbus/internal/clock"
	"pkt.systems/pslog"
)

func TestNewTestBrokerDefault(t *testing.T) {
	tb := StartTestBroker(t, WithTestLoggerTB(t))
	if tb.Client == nil {
		t.Fatal("expected auto client")
	}
	if tb.Config.DefaultLockDuration != DefaultLockDuration {
		t.Fatalf("expected validated config, got lock duration %s", tb.Config.DefaultLockDuration)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sender, err := tb.Client.NewSender("orders")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if _, err := sender.Send(ctx, api.Message{Body: []byte("hello")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recv, err := tb.Client.NewReceiver("orders")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	msg, err := recv.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a delivery")
	}
	if string(msg.Body()) != "hello" {
		t.Fatalf("expected body hello, got %q", msg.Body())
	}
	if err := msg.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats := tb.Broker.Stats()
	if stats.Sent != 1 || stats.Completed != 1 {
		t.Fatalf("expected sent=1 completed=1, got sent=%d completed=%d", stats.Sent, stats.Completed)
	}
	qs, ok := stats.Queues["orders"]
	if !ok {
		t.Fatal("expected orders queue in stats")
	}
	if qs.Ready != 0 || qs.Locked != 0 {
		t.Fatalf("expected drained queue, got %+v", qs)
	}
}

func TestTestBrokerConfigFunc(t *testing.T) {
	tb := StartTestBroker(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.MaxDeliveryCount = 1
	}))
	if tb.Config.MaxDeliveryCount != 1 {
		t.Fatalf("expected max delivery count 1, got %d", tb.Config.MaxDeliveryCount)
	}
	ctx := context.Background()

	sender, err := tb.Client.NewSender("orders")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if _, err := sender.Send(ctx, api.Message{Body: []byte("poison")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recv, err := tb.Client.NewReceiver("orders")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	msg, err := recv.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := msg.Abandon(ctx); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	stats := tb.Broker.Stats()
	if stats.DeadLetters != 1 {
		t.Fatalf("expected 1 dead letter after abandoning at the delivery cap, got %d", stats.DeadLetters)
	}
	if qs := stats.Queues["orders"]; qs.DeadLettered != 1 {
		t.Fatalf("expected dead-letter sub-queue depth 1, got %+v", qs)
	}
}

func TestTestBrokerManualClock(t *testing.T) {
	epoch := time.Unix(1_700_000_000, 0).UTC()
	clk := clock.NewManual(epoch)
	tb := StartTestBroker(t, WithTestClock(clk))
	ctx := context.Background()

	sender, err := tb.Client.NewSender("orders")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if _, err := sender.Send(ctx, api.Message{Body: []byte("timed")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	recv, err := tb.Client.NewReceiver("orders")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	msg, err := recv.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	want := epoch.Add(DefaultLockDuration)
	if !msg.LockedUntil().Equal(want) {
		t.Fatalf("expected lock until %s, got %s", want, msg.LockedUntil())
	}
	if err := msg.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestTestBrokerWithoutClient(t *testing.T) {
	tb := StartTestBroker(t, WithoutTestClient())
	if tb.Client != nil {
		t.Fatal("expected no auto client")
	}
	cli, err := tb.NewClient()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if cli == nil {
		t.Fatal("expected client")
	}
}

func TestNewTestBrokerRejectsBadConfig(t *testing.T) {
	if _, err := NewTestBroker(WithTestConfig(Config{LogLevel: "loud"})); err == nil {
		t.Fatal("expected config validation error")
	}
}

func TestNewBrokerRequiresValidConfig(t *testing.T) {
	if _, err := NewBroker(Config{DefaultLockDuration: time.Millisecond}); err == nil {
		t.Fatal("expected validation error")
	}
	b, err := NewBroker(Config{}, WithLogger(NewTestingLogger(t, pslog.DebugLevel)))
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	if b.Config().MaxDeliveryCount != DefaultMaxDeliveryCount {
		t.Fatalf("expected defaulted config, got %+v", b.Config())
	}
}
