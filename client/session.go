package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/mbus/api"
)

// SessionReceiver consumes one session within a queue under an exclusive
// session lock. The session lock is itself a renewable lease: the receiver
// implements Renewable, so registering it with a LockRenewer keeps the
// session alive with the same background task that renews message locks.
type SessionReceiver struct {
	client      *Client
	queue       string
	sessionID   string
	lockSeconds int64

	mu           sync.Mutex
	lockToken    string
	lockedUntil  time.Time
	closed       bool
	autoRenewErr error
}

// AcceptSession locks the named session for exclusive consumption. A session
// held by another receiver fails with the broker's lock_timeout fault.
func (c *Client) AcceptSession(ctx context.Context, queue, sessionID string, opts ...ReceiverOption) (*SessionReceiver, error) {
	if queue == "" {
		return nil, fmt.Errorf("mbus: queue name required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("mbus: session id required")
	}
	cfg := c.receiverConfig(opts)
	ctx, finish := c.startSpan(ctx, "accept_session",
		attribute.String("mbus.queue", queue),
		attribute.String("mbus.session_id", sessionID),
	)
	grant, err := c.transport.AcceptSession(ctx, api.AcceptSessionRequest{
		Queue:       queue,
		SessionID:   sessionID,
		LockSeconds: cfg.lockSeconds,
	})
	finish(err)
	if err != nil {
		return nil, err
	}
	return c.newSessionReceiver(ctx, queue, cfg, grant)
}

// AcceptNextSession locks whichever session next has deliverable messages.
// No available session fails with the broker's lock_timeout fault.
func (c *Client) AcceptNextSession(ctx context.Context, queue string, opts ...ReceiverOption) (*SessionReceiver, error) {
	if queue == "" {
		return nil, fmt.Errorf("mbus: queue name required")
	}
	cfg := c.receiverConfig(opts)
	ctx, finish := c.startSpan(ctx, "accept_next_session", attribute.String("mbus.queue", queue))
	grant, err := c.transport.AcceptNextSession(ctx, queue, cfg.lockSeconds)
	finish(err)
	if err != nil {
		return nil, err
	}
	return c.newSessionReceiver(ctx, queue, cfg, grant)
}

func (c *Client) newSessionReceiver(ctx context.Context, queue string, cfg receiverConfig, grant *api.SessionGrant) (*SessionReceiver, error) {
	s := &SessionReceiver{
		client:      c,
		queue:       queue,
		sessionID:   grant.SessionID,
		lockSeconds: cfg.lockSeconds,
		lockToken:   grant.LockToken,
		lockedUntil: time.Unix(grant.LockedUntilUnix, 0).UTC(),
	}
	if c.metrics != nil {
		c.metrics.sessionAccepts.Inc()
	}
	c.logDebugCtx(ctx, "client.session.accept", "queue", queue, "session_id", s.sessionID,
		"locked_until", grant.LockedUntilUnix)
	if cfg.renewer != nil {
		if _, err := cfg.renewer.Register(s, cfg.maxRenew); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SessionID returns the locked session's identifier.
func (s *SessionReceiver) SessionID() string { return s.sessionID }

// Queue returns the queue the session belongs to.
func (s *SessionReceiver) Queue() string { return s.queue }

// LockToken returns the token proving ownership of the session lock.
func (s *SessionReceiver) LockToken() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockToken
}

// LockedUntil returns the current session lock expiry.
func (s *SessionReceiver) LockedUntil() time.Time {
	if s == nil {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedUntil
}

// AutoRenewError returns the terminal error recorded by a background renewal
// task, or nil while renewal is healthy (or was never registered).
func (s *SessionReceiver) AutoRenewError() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRenewErr
}

func (s *SessionReceiver) owner() (*Client, string) { return s.client, s.queue }

func (s *SessionReceiver) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SessionReceiver) closedErr() error { return ErrSessionClosed }

func (s *SessionReceiver) renewRequest(token string) api.RenewLockRequest {
	return api.RenewLockRequest{Queue: s.queue, LockToken: token, LockSeconds: s.lockSeconds}
}

func (s *SessionReceiver) setLockedUntil(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.lockedUntil = t
	return true
}

func (s *SessionReceiver) setAutoRenewError(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.autoRenewErr != nil {
		return false
	}
	s.autoRenewErr = err
	return true
}

func (s *SessionReceiver) renewable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// renewLock performs one session-lock renewal and publishes the new expiry.
func (s *SessionReceiver) renewLock(ctx context.Context) (time.Time, error) {
	res, err := s.client.transport.RenewSessionLock(ctx, api.RenewSessionRequest{
		Queue:       s.queue,
		SessionID:   s.sessionID,
		LockToken:   s.LockToken(),
		LockSeconds: s.lockSeconds,
	})
	if err != nil {
		return time.Time{}, err
	}
	t := time.Unix(res.LockedUntilUnix, 0).UTC()
	s.setLockedUntil(t)
	return t, nil
}

func (s *SessionReceiver) renewalTag() (string, string) {
	return "session", s.sessionID
}

// guard validates the session lease before an application-facing call. Once
// the lock expired or background renewal recorded a failure, the call fails
// with *LockExpiredError carrying the original error.
func (s *SessionReceiver) guard(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.autoRenewErr != nil {
		return &LockExpiredError{Kind: "session", ID: s.sessionID, Cause: s.autoRenewErr}
	}
	if !s.lockedUntil.After(now) {
		return &LockExpiredError{Kind: "session", ID: s.sessionID}
	}
	return nil
}

// wrapSessionErr converts the broker's lock_lost fault into *LockExpiredError
// so the original renewal failure is not lost.
func (s *SessionReceiver) wrapSessionErr(err error) error {
	if err == nil || !IsLockLost(err) {
		return err
	}
	cause := s.AutoRenewError()
	if cause == nil {
		cause = err
	}
	return &LockExpiredError{Kind: "session", ID: s.sessionID, Cause: cause}
}

// Receive returns the session's next available message under a fresh message
// lock, or nil when the session has nothing deliverable right now.
func (s *SessionReceiver) Receive(ctx context.Context) (*ReceivedMessage, error) {
	if err := s.guard(s.client.clock.Now()); err != nil {
		return nil, err
	}
	ctx, finish := s.client.startSpan(ctx, "session_receive",
		attribute.String("mbus.queue", s.queue),
		attribute.String("mbus.session_id", s.sessionID),
	)
	d, err := s.client.transport.Receive(ctx, api.ReceiveRequest{
		Queue:            s.queue,
		SessionID:        s.sessionID,
		SessionLockToken: s.LockToken(),
		LockSeconds:      s.lockSeconds,
	})
	finish(err)
	if err != nil {
		return nil, s.wrapSessionErr(err)
	}
	if d == nil {
		return nil, nil
	}
	m := newReceivedMessage(s, d)
	if s.client.metrics != nil {
		s.client.metrics.receives.Inc()
	}
	s.client.logDebugCtx(ctx, "client.session.receive", "queue", s.queue, "session_id", s.sessionID,
		"message_id", m.ID(), "locked_until", d.LockedUntilUnix)
	return m, nil
}

// RenewSessionLock renews the session lock once, immediately. The background
// counterpart is registering the receiver with a LockRenewer.
func (s *SessionReceiver) RenewSessionLock(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	_, err := s.renewLock(ctx)
	return err
}

// GetState reads the session's opaque state blob. Nil when never set.
func (s *SessionReceiver) GetState(ctx context.Context) ([]byte, error) {
	if err := s.guard(s.client.clock.Now()); err != nil {
		return nil, err
	}
	res, err := s.client.transport.GetSessionState(ctx, api.SessionStateRequest{
		Queue:     s.queue,
		SessionID: s.sessionID,
		LockToken: s.LockToken(),
	})
	if err != nil {
		return nil, s.wrapSessionErr(err)
	}
	return res.State, nil
}

// SetState replaces the session's opaque state blob. The blob survives lock
// turnover and is returned with future session grants.
func (s *SessionReceiver) SetState(ctx context.Context, state []byte) error {
	if err := s.guard(s.client.clock.Now()); err != nil {
		return err
	}
	err := s.client.transport.SetSessionState(ctx, api.SessionStateRequest{
		Queue:     s.queue,
		SessionID: s.sessionID,
		LockToken: s.LockToken(),
		State:     state,
	})
	return s.wrapSessionErr(err)
}

// Close marks the session receiver closed; an active session-lock renewal
// task observes the closure and ends without recording an error, and
// subsequent receives, state calls, and settlements fail. Idempotent.
func (s *SessionReceiver) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.client.logDebug("client.session.close", "queue", s.queue, "session_id", s.sessionID)
	return nil
}
