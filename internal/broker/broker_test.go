package broker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"pkt.systems/mbus/api"
	"pkt.systems/mbus/internal/clock"
)

func newBrokerForTest(t *testing.T) (*Core, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	core := New(Config{
		DefaultLockDuration: 30 * time.Second,
		MaxDeliveryCount:    3,
		Clock:               clk,
	})
	return core, clk
}

func mustSend(t *testing.T, core *Core, queue string, msg api.Message) *api.SendResult {
	t.Helper()
	res, err := core.Send(context.Background(), queue, msg)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res
}

func mustReceive(t *testing.T, core *Core, req api.ReceiveRequest) *api.Delivery {
	t.Helper()
	d, err := core.Receive(context.Background(), req)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d == nil {
		t.Fatalf("receive: queue %q empty", req.Queue)
	}
	return d
}

func TestSendReceiveComplete(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)

	res := mustSend(t, core, "orders", api.Message{Body: []byte("hello")})
	if res.MessageID == "" {
		t.Fatalf("expected generated message id")
	}
	if res.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", res.SequenceNumber)
	}

	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})
	if d.Message.ID != res.MessageID {
		t.Fatalf("expected message %s, got %s", res.MessageID, d.Message.ID)
	}
	if d.LockToken == "" {
		t.Fatalf("expected lock token")
	}
	if d.DeliveryCount != 1 {
		t.Fatalf("expected delivery count 1, got %d", d.DeliveryCount)
	}

	if err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: d.LockToken, Disposition: api.DispositionComplete}); err != nil {
		t.Fatalf("settle complete: %v", err)
	}
	empty, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders"})
	if err != nil {
		t.Fatalf("receive after complete: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected empty queue after complete")
	}
	if got := core.Stats().Completed; got != 1 {
		t.Fatalf("expected 1 completed, got %d", got)
	}
}

func TestReceiveUnknownQueueFails(t *testing.T) {
	core, _ := newBrokerForTest(t)
	_, err := core.Receive(context.Background(), api.ReceiveRequest{Queue: "nope"})
	if !api.IsFault(err, api.FaultNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestLockedMessageInvisibleUntilExpiry(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("x")})

	first := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", LockSeconds: 10})
	if d, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders"}); err != nil || d != nil {
		t.Fatalf("expected no delivery while locked, got %v err %v", d, err)
	}

	clk.Advance(11 * time.Second)
	second := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})
	if second.DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2 after expiry, got %d", second.DeliveryCount)
	}
	if second.LockToken == first.LockToken {
		t.Fatalf("expected a fresh lock token on redelivery")
	}
}

func TestRenewMessageLockExtends(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("x")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", LockSeconds: 10})

	clk.Advance(8 * time.Second)
	res, err := core.RenewMessageLock(ctx, api.RenewLockRequest{Queue: "orders", LockToken: d.LockToken, LockSeconds: 10})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if res.LockedUntilUnix <= d.LockedUntilUnix {
		t.Fatalf("expected extended lock, got %d <= %d", res.LockedUntilUnix, d.LockedUntilUnix)
	}

	// Still invisible to other receivers inside the renewed window.
	clk.Advance(8 * time.Second)
	if got, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders"}); err != nil || got != nil {
		t.Fatalf("expected message to stay locked, got %v err %v", got, err)
	}
}

func TestRenewAfterExpiryLockLost(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("x")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", LockSeconds: 5})

	clk.Advance(6 * time.Second)
	_, err := core.RenewMessageLock(ctx, api.RenewLockRequest{Queue: "orders", LockToken: d.LockToken})
	if !api.IsFault(err, api.FaultLockLost) {
		t.Fatalf("expected lock_lost, got %v", err)
	}
}

func TestSettleWithStaleTokenLockLost(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("x")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", LockSeconds: 5})

	clk.Advance(6 * time.Second)
	mustReceive(t, core, api.ReceiveRequest{Queue: "orders", LockSeconds: 30})

	err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: d.LockToken, Disposition: api.DispositionComplete})
	if !api.IsFault(err, api.FaultLockLost) {
		t.Fatalf("expected lock_lost for stale token, got %v", err)
	}
}

func TestAbandonExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)
	res := mustSend(t, core, "orders", api.Message{Body: []byte("poison")})

	for i := 0; i < 3; i++ {
		d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})
		if err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: d.LockToken, Disposition: api.DispositionAbandon}); err != nil {
			t.Fatalf("abandon %d: %v", i, err)
		}
	}

	if d, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders"}); err != nil || d != nil {
		t.Fatalf("expected main queue drained, got %v err %v", d, err)
	}
	dead := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", DeadLetter: true})
	if dead.Message.ID != res.MessageID {
		t.Fatalf("expected dead-lettered message %s, got %s", res.MessageID, dead.Message.ID)
	}
	if dead.DeadLetterReason != "max_delivery_exceeded" {
		t.Fatalf("expected max_delivery_exceeded, got %q", dead.DeadLetterReason)
	}
	if err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: dead.LockToken, Disposition: api.DispositionComplete}); err != nil {
		t.Fatalf("complete from dead-letter: %v", err)
	}
}

func TestDeadLetterDisposition(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("bad")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})

	err := core.Settle(ctx, api.SettleRequest{
		Queue:       "orders",
		LockToken:   d.LockToken,
		Disposition: api.DispositionDeadLetter,
		Reason:      "schema_mismatch",
		Description: "payload failed validation",
	})
	if err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	dead := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", DeadLetter: true})
	if dead.DeadLetterReason != "schema_mismatch" {
		t.Fatalf("expected schema_mismatch, got %q", dead.DeadLetterReason)
	}
	if dead.DeadLetterDescription != "payload failed validation" {
		t.Fatalf("unexpected description %q", dead.DeadLetterDescription)
	}
}

func TestDeferAndReceiveDeferred(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)
	res := mustSend(t, core, "orders", api.Message{Body: []byte("later")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})

	if err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: d.LockToken, Disposition: api.DispositionDefer}); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if got, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders"}); err != nil || got != nil {
		t.Fatalf("expected deferred message to hide from receive, got %v err %v", got, err)
	}

	again, err := core.ReceiveDeferred(ctx, "orders", res.SequenceNumber)
	if err != nil {
		t.Fatalf("receive deferred: %v", err)
	}
	if again.Message.ID != res.MessageID {
		t.Fatalf("expected %s, got %s", res.MessageID, again.Message.ID)
	}
	if again.DeliveryCount != 2 {
		t.Fatalf("expected delivery count 2, got %d", again.DeliveryCount)
	}

	if _, err := core.ReceiveDeferred(ctx, "orders", res.SequenceNumber); !api.IsFault(err, api.FaultNotFound) {
		t.Fatalf("expected not_found for re-fetch, got %v", err)
	}
}

func TestSessionAcceptAndExclusivity(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a"), SessionID: "s1"})

	grant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1", LockSeconds: 20})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if grant.LockToken == "" {
		t.Fatalf("expected session lock token")
	}

	if _, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1"}); !api.IsFault(err, api.FaultLockTimeout) {
		t.Fatalf("expected lock_timeout for locked session, got %v", err)
	}

	clk.Advance(21 * time.Second)
	second, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1"})
	if err != nil {
		t.Fatalf("accept after expiry: %v", err)
	}
	if second.LockToken == grant.LockToken {
		t.Fatalf("expected a fresh session lock token")
	}
}

func TestSessionReceiveRequiresLiveToken(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a"), SessionID: "s1"})

	grant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1", LockSeconds: 10})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", SessionID: "s1", SessionLockToken: grant.LockToken})
	if d.Message.SessionID != "s1" {
		t.Fatalf("expected session message, got %q", d.Message.SessionID)
	}

	clk.Advance(11 * time.Second)
	if _, err := core.Receive(ctx, api.ReceiveRequest{Queue: "orders", SessionID: "s1", SessionLockToken: grant.LockToken}); !api.IsFault(err, api.FaultLockLost) {
		t.Fatalf("expected lock_lost after session expiry, got %v", err)
	}
}

func TestSessionReceiveIgnoresOtherSessions(t *testing.T) {
	core, _ := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a"), SessionID: "s1"})
	mustSend(t, core, "orders", api.Message{Body: []byte("b"), SessionID: "s2"})
	mustSend(t, core, "orders", api.Message{Body: []byte("c")})

	ctx := context.Background()
	grant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s2"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders", SessionID: "s2", SessionLockToken: grant.LockToken})
	if string(d.Message.Body) != "b" {
		t.Fatalf("expected session s2 message, got %q", d.Message.Body)
	}

	// A plain receive sees only the session-less message.
	plain := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})
	if string(plain.Message.Body) != "c" {
		t.Fatalf("expected session-less message, got %q", plain.Message.Body)
	}
}

func TestAcceptNextSessionSkipsLocked(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a"), SessionID: "s1"})
	mustSend(t, core, "orders", api.Message{Body: []byte("b"), SessionID: "s2"})

	first, err := core.AcceptNextSession(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("accept next: %v", err)
	}
	if first.SessionID != "s1" {
		t.Fatalf("expected s1 first, got %s", first.SessionID)
	}
	second, err := core.AcceptNextSession(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("accept next again: %v", err)
	}
	if second.SessionID != "s2" {
		t.Fatalf("expected s2 second, got %s", second.SessionID)
	}
	if _, err := core.AcceptNextSession(ctx, "orders", 0); !api.IsFault(err, api.FaultLockTimeout) {
		t.Fatalf("expected lock_timeout when all sessions held, got %v", err)
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	core, clk := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a"), SessionID: "s1"})

	grant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1", LockSeconds: 30})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	state := []byte(`{"cursor":42}`)
	if err := core.SetSessionState(ctx, api.SessionStateRequest{Queue: "orders", SessionID: "s1", LockToken: grant.LockToken, State: state}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := core.GetSessionState(ctx, api.SessionStateRequest{Queue: "orders", SessionID: "s1", LockToken: grant.LockToken})
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !bytes.Equal(got.State, state) {
		t.Fatalf("expected state %s, got %s", state, got.State)
	}

	// State survives lock turnover and is returned with the next grant.
	clk.Advance(31 * time.Second)
	regrant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1"})
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if !bytes.Equal(regrant.State, state) {
		t.Fatalf("expected state carried into new grant, got %s", regrant.State)
	}

	// The stale token no longer writes.
	if err := core.SetSessionState(ctx, api.SessionStateRequest{Queue: "orders", SessionID: "s1", LockToken: grant.LockToken, State: []byte("x")}); !api.IsFault(err, api.FaultLockLost) {
		t.Fatalf("expected lock_lost for stale token, got %v", err)
	}
}

func TestSessionStateSizeCap(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	core := New(Config{MaxSessionStateBytes: 8, Clock: clk})
	mustSend(t, core, "orders", api.Message{SessionID: "s1"})

	grant, err := core.AcceptSession(ctx, api.AcceptSessionRequest{Queue: "orders", SessionID: "s1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	err = core.SetSessionState(ctx, api.SessionStateRequest{Queue: "orders", SessionID: "s1", LockToken: grant.LockToken, State: bytes.Repeat([]byte("x"), 9)})
	if !api.IsFault(err, api.FaultInternal) {
		t.Fatalf("expected internal fault for oversized state, got %v", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	ctx := context.Background()
	core, _ := newBrokerForTest(t)
	mustSend(t, core, "orders", api.Message{Body: []byte("a")})
	mustSend(t, core, "orders", api.Message{Body: []byte("b")})
	d := mustReceive(t, core, api.ReceiveRequest{Queue: "orders"})
	if err := core.Settle(ctx, api.SettleRequest{Queue: "orders", LockToken: d.LockToken, Disposition: api.DispositionComplete}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	st := core.Stats()
	if st.Sent != 2 || st.Completed != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	qs := st.Queues["orders"]
	if qs.Ready != 1 || qs.Locked != 0 {
		t.Fatalf("unexpected queue stats: %+v", qs)
	}
}
