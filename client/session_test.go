package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/mbus/api"
)

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("first"), SessionID: "customer-1"})
	h.send(t, "orders", api.Message{Body: []byte("second"), SessionID: "customer-1"})
	h.send(t, "orders", api.Message{Body: []byte("plain")})

	sess, err := h.cli.AcceptSession(ctx, "orders", "customer-1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	defer sess.Close()

	for _, want := range []string{"first", "second"} {
		m, err := sess.Receive(ctx)
		if err != nil {
			t.Fatalf("session receive: %v", err)
		}
		if m == nil {
			t.Fatalf("expected session message %q", want)
		}
		if m.SessionID() != "customer-1" {
			t.Fatalf("expected session customer-1, got %s", m.SessionID())
		}
		if !bytes.Equal(m.Body(), []byte(want)) {
			t.Fatalf("expected body %q, got %q", want, m.Body())
		}
		if err := m.Complete(ctx); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	empty, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("session receive: %v", err)
	}
	if empty != nil {
		t.Fatalf("session should be drained, got %s", empty.ID())
	}

	// the non-session message is untouched by the session receiver
	recv := h.receiver(t, "orders")
	plain := mustReceiveOne(t, recv)
	if !bytes.Equal(plain.Body(), []byte("plain")) {
		t.Fatalf("expected the plain message, got %q", plain.Body())
	}
}

func TestAcceptSessionExclusive(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	first, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}

	if _, err := h.cli.AcceptSession(ctx, "orders", "s1"); !api.IsFault(err, api.FaultLockTimeout) {
		t.Fatalf("expected lock_timeout for a held session, got %v", err)
	}

	// session locks lapse like message locks; afterwards the session can be
	// accepted again and the old handle is fenced out
	h.clk.Advance(DefaultLockDuration + time.Second)
	second, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept after expiry: %v", err)
	}
	defer second.Close()

	_, err = first.Receive(ctx)
	var lee *LockExpiredError
	if !errors.As(err, &lee) {
		t.Fatalf("expected LockExpiredError from the stale handle, got %v", err)
	}
	if lee.Kind != "session" {
		t.Fatalf("expected session lock expiry, got %s", lee.Kind)
	}
}

func TestAcceptNextSessionPicksAvailable(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	sess, err := h.cli.AcceptNextSession(ctx, "orders")
	if err != nil {
		t.Fatalf("accept next session: %v", err)
	}
	defer sess.Close()
	if sess.SessionID() != "s1" {
		t.Fatalf("expected session s1, got %s", sess.SessionID())
	}

	// the only session is held now
	if _, err := h.cli.AcceptNextSession(ctx, "orders"); !api.IsFault(err, api.FaultLockTimeout) {
		t.Fatalf("expected lock_timeout with no session available, got %v", err)
	}
}

func TestSessionStateSurvivesLockTurnover(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	sess, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	checkpoint := []byte(`{"cursor":42}`)
	if err := sess.SetState(ctx, checkpoint); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := sess.GetState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !bytes.Equal(got, checkpoint) {
		t.Fatalf("expected state %s, got %s", checkpoint, got)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h.clk.Advance(DefaultLockDuration + time.Second)
	again, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	defer again.Close()
	got, err = again.GetState(ctx)
	if err != nil {
		t.Fatalf("get state after turnover: %v", err)
	}
	if !bytes.Equal(got, checkpoint) {
		t.Fatalf("state lost across lock turnover: %s", got)
	}
}

func TestSessionGuardCarriesRenewalCause(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	sess, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	defer sess.Close()

	lr := h.cli.NewLockRenewer()
	defer lr.Close()
	reg, err := lr.Register(sess, time.Second)
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	waitPending(t, h.clk, 1)
	h.clk.Advance(time.Second)
	waitDone(t, reg)
	if got := reg.Outcome(); got != RenewalOutcomeTimeout {
		t.Fatalf("expected timeout outcome, got %s", got)
	}

	_, err = sess.GetState(ctx)
	var lee *LockExpiredError
	if !errors.As(err, &lee) {
		t.Fatalf("expected LockExpiredError, got %v", err)
	}
	var te *RenewalTimeoutError
	if !errors.As(lee.Cause, &te) {
		t.Fatalf("expected the renewal timeout as cause, got %v", lee.Cause)
	}
}

func TestSessionCloseFailsFollowUps(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	sess, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	m, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("session receive: %v", err)
	}
	if m == nil {
		t.Fatalf("expected a session message")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := sess.Receive(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on receive, got %v", err)
	}
	if _, err := sess.GetState(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on get state, got %v", err)
	}
	if err := m.Complete(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on settle, got %v", err)
	}
}

func TestSessionRenewSessionLockManual(t *testing.T) {
	ctx := context.Background()
	h := newBrokerHarness(t)
	h.send(t, "orders", api.Message{Body: []byte("x"), SessionID: "s1"})

	sess, err := h.cli.AcceptSession(ctx, "orders", "s1")
	if err != nil {
		t.Fatalf("accept session: %v", err)
	}
	defer sess.Close()

	h.clk.Advance(10 * time.Second)
	if err := sess.RenewSessionLock(ctx); err != nil {
		t.Fatalf("renew session lock: %v", err)
	}
	want := testEpoch.Add(10*time.Second + DefaultLockDuration)
	if got := sess.LockedUntil(); !got.Equal(want) {
		t.Fatalf("expected locked_until %s, got %s", want, got)
	}
}
