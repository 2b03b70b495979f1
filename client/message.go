package client

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/mbus/api"
)

// messageOwner is the slice of receiver behavior a message needs for
// settlement and renewal. Implemented by Receiver and SessionReceiver.
type messageOwner interface {
	owner() (*Client, string)
	isClosed() bool
	closedErr() error
	renewRequest(token string) api.RenewLockRequest
}

// ReceivedMessage is one locked delivery. The message payload and delivery
// metadata are immutable; the lock lease (token, expiry, settlement, renewal
// error) lives behind a mutex so the background renewal task and the
// application can touch it concurrently.
//
// The lease follows a single-writer-with-handoff discipline: a renewal task
// writes the expiry and the renewal error, settlement writes the settled
// flag, and the settled flag shuts the door on further task writes.
type ReceivedMessage struct {
	recv messageOwner

	msg           api.Message
	sequence      int64
	deliveryCount int
	dlReason      string
	dlDescription string

	mu           sync.Mutex
	lockToken    string
	lockedUntil  time.Time
	settled      bool
	autoRenewErr error
}

func newReceivedMessage(recv messageOwner, d *api.Delivery) *ReceivedMessage {
	return &ReceivedMessage{
		recv:          recv,
		msg:           d.Message,
		sequence:      d.SequenceNumber,
		deliveryCount: d.DeliveryCount,
		dlReason:      d.DeadLetterReason,
		dlDescription: d.DeadLetterDescription,
		lockToken:     d.LockToken,
		lockedUntil:   time.Unix(d.LockedUntilUnix, 0).UTC(),
	}
}

// ID returns the broker-assigned message identifier.
func (m *ReceivedMessage) ID() string { return m.msg.ID }

// Body returns the payload bytes.
func (m *ReceivedMessage) Body() []byte { return m.msg.Body }

// ContentType returns the declared payload encoding.
func (m *ReceivedMessage) ContentType() string { return m.msg.ContentType }

// SessionID returns the message's session, if any.
func (m *ReceivedMessage) SessionID() string { return m.msg.SessionID }

// Attributes returns the application-defined metadata attached at send time.
func (m *ReceivedMessage) Attributes() map[string]string { return m.msg.Attributes }

// EnqueuedAt returns the broker accept time.
func (m *ReceivedMessage) EnqueuedAt() time.Time {
	return time.Unix(m.msg.EnqueuedAtUnix, 0).UTC()
}

// SequenceNumber returns the broker-assigned sequence for the queue.
func (m *ReceivedMessage) SequenceNumber() int64 { return m.sequence }

// DeliveryCount returns how many times the message has been delivered.
func (m *ReceivedMessage) DeliveryCount() int { return m.deliveryCount }

// DeadLetterReason is set on deliveries from the dead-letter sub-queue.
func (m *ReceivedMessage) DeadLetterReason() string { return m.dlReason }

// DeadLetterDescription elaborates on DeadLetterReason.
func (m *ReceivedMessage) DeadLetterDescription() string { return m.dlDescription }

// LockToken returns the token addressing this delivery's lock.
func (m *ReceivedMessage) LockToken() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockToken
}

// LockedUntil returns the current lock expiry. Only broker grants move it.
func (m *ReceivedMessage) LockedUntil() time.Time {
	if m == nil {
		return time.Time{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedUntil
}

// Settled reports whether the message has been settled.
func (m *ReceivedMessage) Settled() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// AutoRenewError returns the terminal error recorded by a background renewal
// task, or nil while renewal is healthy (or was never registered).
func (m *ReceivedMessage) AutoRenewError() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoRenewErr
}

// setLockedUntil publishes a broker-granted expiry. Refused once settled.
func (m *ReceivedMessage) setLockedUntil(t time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return false
	}
	m.lockedUntil = t
	return true
}

// setAutoRenewError records the terminal renewal error. Refused once settled
// or once an error is already present.
func (m *ReceivedMessage) setAutoRenewError(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled || m.autoRenewErr != nil {
		return false
	}
	m.autoRenewErr = err
	return true
}

// renewable reports whether a renewal task should keep going.
func (m *ReceivedMessage) renewable() bool {
	if m.recv.isClosed() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.settled
}

// renewLock performs one message-lock renewal and publishes the new expiry.
func (m *ReceivedMessage) renewLock(ctx context.Context) (time.Time, error) {
	cli, _ := m.recv.owner()
	res, err := cli.transport.RenewMessageLock(ctx, m.recv.renewRequest(m.LockToken()))
	if err != nil {
		return time.Time{}, err
	}
	t := time.Unix(res.LockedUntilUnix, 0).UTC()
	m.setLockedUntil(t)
	return t, nil
}

func (m *ReceivedMessage) renewalTag() (string, string) {
	return "message", m.msg.ID
}

// Complete removes the message from the queue.
func (m *ReceivedMessage) Complete(ctx context.Context) error {
	return m.settle(ctx, api.DispositionComplete, "", "")
}

// Abandon releases the lock so the message becomes receivable again.
func (m *ReceivedMessage) Abandon(ctx context.Context) error {
	return m.settle(ctx, api.DispositionAbandon, "", "")
}

// Defer parks the message; it stays invisible until fetched again by
// sequence number through Receiver.ReceiveDeferred.
func (m *ReceivedMessage) Defer(ctx context.Context) error {
	return m.settle(ctx, api.DispositionDefer, "", "")
}

// DeadLetter moves the message to the queue's dead-letter sub-queue.
func (m *ReceivedMessage) DeadLetter(ctx context.Context, reason, description string) error {
	return m.settle(ctx, api.DispositionDeadLetter, reason, description)
}

// settle is the shared disposition path. It claims the lease before calling
// the broker so a concurrent renewal result is discarded rather than applied
// (settlement wins), and releases the claim if the broker refuses.
func (m *ReceivedMessage) settle(ctx context.Context, disposition, reason, description string) error {
	if m.recv.isClosed() {
		return m.recv.closedErr()
	}
	cli, queue := m.recv.owner()
	token, err := m.claimSettlement(cli.clock.Now())
	if err != nil {
		if cli.metrics != nil {
			cli.metrics.settleErrors.Inc()
		}
		return err
	}
	req := api.SettleRequest{
		Queue:       queue,
		LockToken:   token,
		Disposition: disposition,
		Reason:      reason,
		Description: description,
	}
	ctx, finish := cli.startSpan(ctx, "settle",
		attribute.String("mbus.queue", queue),
		attribute.String("mbus.message_id", m.msg.ID),
		attribute.String("mbus.disposition", disposition),
	)
	err = cli.transport.Settle(ctx, req)
	finish(err)
	if err != nil {
		m.releaseSettlement()
		if cli.metrics != nil {
			cli.metrics.settleErrors.Inc()
		}
		if IsLockLost(err) {
			cause := m.AutoRenewError()
			if cause == nil {
				cause = err
			}
			return &LockExpiredError{Kind: "message", ID: m.msg.ID, Cause: cause}
		}
		return err
	}
	if cli.metrics != nil {
		cli.metrics.settlements.Inc()
	}
	cli.logDebugCtx(ctx, "client.settle", "queue", queue, "message_id", m.msg.ID, "disposition", disposition)
	return nil
}

// claimSettlement validates the lease and flips the settled flag, returning
// the lock token to settle with. An expired lease or a recorded renewal
// failure surfaces as *LockExpiredError carrying the original error.
func (m *ReceivedMessage) claimSettlement(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return "", ErrMessageSettled
	}
	if m.autoRenewErr != nil {
		return "", &LockExpiredError{Kind: "message", ID: m.msg.ID, Cause: m.autoRenewErr}
	}
	if !m.lockedUntil.After(now) {
		return "", &LockExpiredError{Kind: "message", ID: m.msg.ID}
	}
	m.settled = true
	return m.lockToken, nil
}

// releaseSettlement undoes a claim after the broker refused the settlement.
func (m *ReceivedMessage) releaseSettlement() {
	m.mu.Lock()
	m.settled = false
	m.mu.Unlock()
}
