package client

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/mbus/api"
)

var (
	// ErrRenewerClosed is returned by Register once Close has begun.
	ErrRenewerClosed = errors.New("mbus: lock renewer is closed")
	// ErrAlreadyRegistered is returned by Register while the lease still has
	// an active renewal task.
	ErrAlreadyRegistered = errors.New("mbus: lease is already registered for renewal")
	// ErrReceiverClosed is returned by operations on a closed receiver.
	ErrReceiverClosed = errors.New("mbus: receiver is closed")
	// ErrSessionClosed is returned by operations on a closed session receiver.
	ErrSessionClosed = errors.New("mbus: session receiver is closed")
	// ErrMessageSettled is returned when a message is settled twice.
	ErrMessageSettled = errors.New("mbus: message is already settled")
)

// RenewalTimeoutError records that background renewal stopped because the
// registration's max renewal duration elapsed. It is reported through the
// lease's AutoRenewError slot, never returned by Register or Close.
type RenewalTimeoutError struct {
	// MaxDuration is the budget the registration was created with.
	MaxDuration time.Duration
}

func (e *RenewalTimeoutError) Error() string {
	return fmt.Sprintf("mbus: lock renewal stopped: max renewal duration %s elapsed", e.MaxDuration)
}

// RenewalFailedError records a renewal attempt the broker rejected or the
// transport could not complete. Reported through the lease's AutoRenewError
// slot and passed to the failure callback.
type RenewalFailedError struct {
	// Cause is the transport or broker error that ended renewal.
	Cause error
}

func (e *RenewalFailedError) Error() string {
	return fmt.Sprintf("mbus: lock renewal failed: %v", e.Cause)
}

func (e *RenewalFailedError) Unwrap() error { return e.Cause }

// LockExpiredError is returned synchronously by settlement and session-state
// operations attempted after the lease expired or background renewal already
// failed. Cause preserves the lease's auto-renew error when one was recorded,
// otherwise the broker fault that exposed the expiry.
type LockExpiredError struct {
	// Kind is "message" or "session".
	Kind string
	// ID names the expired lease: the message ID or the session ID.
	ID string
	// Cause is the original failure, when known.
	Cause error
}

func (e *LockExpiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mbus: %s lock expired (%s): %v", e.Kind, e.ID, e.Cause)
	}
	return fmt.Sprintf("mbus: %s lock expired (%s)", e.Kind, e.ID)
}

func (e *LockExpiredError) Unwrap() error { return e.Cause }

// IsLockLost reports whether err carries the broker's lock_lost fault at any
// wrapping depth.
func IsLockLost(err error) bool {
	return api.IsFault(err, api.FaultLockLost)
}
