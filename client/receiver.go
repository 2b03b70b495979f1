package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/mbus/api"
)

// receiverConfig collects the option-controlled knobs shared by Receiver and
// SessionReceiver.
type receiverConfig struct {
	lockSeconds int64
	deadLetter  bool
	renewer     *LockRenewer
	maxRenew    time.Duration
}

// ReceiverOption customises Receiver and SessionReceiver construction.
type ReceiverOption func(*receiverConfig)

// WithReceiverLockDuration overrides the client's lock duration for this
// receiver's deliveries (the session lock duration for session receivers).
// Non-positive values are ignored.
func WithReceiverLockDuration(d time.Duration) ReceiverOption {
	return func(cfg *receiverConfig) {
		if secs := int64(d / time.Second); secs > 0 {
			cfg.lockSeconds = secs
		}
	}
}

// WithAutoLockRenewer attaches a lock renewer. A Receiver registers every
// received message with it; a SessionReceiver registers its session lock.
// The renewer may be shared and must be closed by the caller.
func WithAutoLockRenewer(lr *LockRenewer) ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.renewer = lr
	}
}

// WithMaxRenewalDuration sets the renewal budget used when auto-registering.
// Non-positive values are ignored.
func WithMaxRenewalDuration(d time.Duration) ReceiverOption {
	return func(cfg *receiverConfig) {
		if d > 0 {
			cfg.maxRenew = d
		}
	}
}

// WithDeadLetterSubQueue targets the queue's dead-letter sub-queue instead
// of the main queue. Session receivers ignore it.
func WithDeadLetterSubQueue() ReceiverOption {
	return func(cfg *receiverConfig) {
		cfg.deadLetter = true
	}
}

func (c *Client) receiverConfig(opts []ReceiverOption) receiverConfig {
	cfg := receiverConfig{
		lockSeconds: c.lockSeconds,
		maxRenew:    DefaultMaxRenewalDuration,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Receiver consumes one queue with peek-lock semantics: every delivery is
// locked for a bounded window and must be settled through the message handle.
type Receiver struct {
	client *Client
	queue  string
	cfg    receiverConfig

	mu     sync.Mutex
	closed bool
}

// NewReceiver builds a receiver for queue.
func (c *Client) NewReceiver(queue string, opts ...ReceiverOption) (*Receiver, error) {
	if queue == "" {
		return nil, fmt.Errorf("mbus: queue name required")
	}
	return &Receiver{
		client: c,
		queue:  queue,
		cfg:    c.receiverConfig(opts),
	}, nil
}

// Queue returns the queue this receiver consumes.
func (r *Receiver) Queue() string { return r.queue }

func (r *Receiver) owner() (*Client, string) { return r.client, r.queue }

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Receiver) closedErr() error { return ErrReceiverClosed }

func (r *Receiver) renewRequest(token string) api.RenewLockRequest {
	return api.RenewLockRequest{Queue: r.queue, LockToken: token, LockSeconds: r.cfg.lockSeconds}
}

// Receive returns the next available message under a fresh lock, or nil when
// the queue has nothing deliverable right now. With an attached renewer the
// message is registered for background renewal before it is returned; a
// closed renewer fails the receive.
func (r *Receiver) Receive(ctx context.Context) (*ReceivedMessage, error) {
	if r.isClosed() {
		return nil, ErrReceiverClosed
	}
	ctx, finish := r.client.startSpan(ctx, "receive", attribute.String("mbus.queue", r.queue))
	d, err := r.client.transport.Receive(ctx, api.ReceiveRequest{
		Queue:       r.queue,
		LockSeconds: r.cfg.lockSeconds,
		DeadLetter:  r.cfg.deadLetter,
	})
	finish(err)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	return r.wrapDelivery(ctx, d)
}

// ReceiveDeferred fetches a previously deferred message by sequence number
// and locks it again.
func (r *Receiver) ReceiveDeferred(ctx context.Context, sequence int64) (*ReceivedMessage, error) {
	if r.isClosed() {
		return nil, ErrReceiverClosed
	}
	ctx, finish := r.client.startSpan(ctx, "receive_deferred", attribute.String("mbus.queue", r.queue))
	d, err := r.client.transport.ReceiveDeferred(ctx, r.queue, sequence)
	finish(err)
	if err != nil {
		return nil, err
	}
	return r.wrapDelivery(ctx, d)
}

func (r *Receiver) wrapDelivery(ctx context.Context, d *api.Delivery) (*ReceivedMessage, error) {
	m := newReceivedMessage(r, d)
	if r.client.metrics != nil {
		r.client.metrics.receives.Inc()
	}
	r.client.logDebugCtx(ctx, "client.receive", "queue", r.queue, "message_id", m.ID(),
		"delivery_count", m.DeliveryCount(), "locked_until", d.LockedUntilUnix)
	if r.cfg.renewer != nil {
		if _, err := r.cfg.renewer.Register(m, r.cfg.maxRenew); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RenewMessageLock renews m's lock once, immediately. The background
// counterpart is an attached LockRenewer.
func (r *Receiver) RenewMessageLock(ctx context.Context, m *ReceivedMessage) error {
	if r.isClosed() {
		return ErrReceiverClosed
	}
	if m == nil {
		return errors.New("mbus: nil message")
	}
	if m.Settled() {
		return ErrMessageSettled
	}
	_, err := m.renewLock(ctx)
	return err
}

// Close marks the receiver closed. Active renewal tasks for its messages
// observe the closure and end without recording an error; subsequent
// Receive and settle calls return ErrReceiverClosed. Idempotent.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.client.logDebug("client.receiver.close", "queue", r.queue)
	return nil
}
