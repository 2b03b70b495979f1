package client

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"pkt.systems/mbus/api"
)

func TestClientMetricsCountOperations(t *testing.T) {
	ctx := context.Background()
	promReg := prometheus.NewRegistry()
	h := newBrokerHarness(t, WithMetrics(promReg))

	h.send(t, "orders", api.Message{Body: []byte("plain")})
	h.send(t, "orders", api.Message{Body: []byte("grouped"), SessionID: "s1"})

	recv := h.receiver(t, "orders")
	m := mustReceiveOne(t, recv)
	if err := m.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// the refused double settle lands in the error counter
	if err := m.Complete(ctx); !errors.Is(err, ErrMessageSettled) {
		t.Fatalf("expected ErrMessageSettled, got %v", err)
	}

	sess, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	defer sess.Close()
	sm, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("session receive: %v", err)
	}
	if sm == nil {
		t.Fatalf("expected the session message")
	}
	if err := sm.Complete(ctx); err != nil {
		t.Fatalf("session complete: %v", err)
	}

	for _, tc := range []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"sends", h.cli.metrics.sends, 2},
		{"send errors", h.cli.metrics.sendErrors, 0},
		{"receives", h.cli.metrics.receives, 2},
		{"settlements", h.cli.metrics.settlements, 2},
		{"settle errors", h.cli.metrics.settleErrors, 1},
		{"session accepts", h.cli.metrics.sessionAccepts, 1},
	} {
		if got := testutil.ToFloat64(tc.c); got != tc.want {
			t.Fatalf("expected %s = %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestClientMetricsCountSendErrors(t *testing.T) {
	promReg := prometheus.NewRegistry()
	cli, err := New(newFakeTransport(), WithMetrics(promReg))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sender, err := cli.NewSender("orders")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if _, err := sender.Send(context.Background(), api.Message{Body: []byte("x")}); err == nil {
		t.Fatal("expected the unscripted transport to fail the send")
	}
	if got := testutil.ToFloat64(cli.metrics.sendErrors); got != 1 {
		t.Fatalf("expected 1 send error, got %v", got)
	}
	if got := testutil.ToFloat64(cli.metrics.sends); got != 0 {
		t.Fatalf("expected 0 sends, got %v", got)
	}
}

func TestWithTracingLeavesOperationsWorking(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t, WithTracing())
	h.send(t, "orders", api.Message{Body: []byte("traced")})
	recv := h.receiver(t, "orders")
	m := mustReceiveOne(t, recv)
	if err := m.Complete(ctx); err != nil {
		t.Fatalf("complete: %v", err)
	}
}
