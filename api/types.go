// Package api defines the wire-level types exchanged between mbus clients
// and a broker. The transport carrying them is pluggable; the in-process
// broker shipped with this module consumes the same structs a remote
// implementation would serialize.
package api

// Message is the user-facing unit of transfer.
type Message struct {
	// ID identifies the message. Assigned by the broker when left empty.
	ID string `json:"id,omitempty"`
	// Body carries the opaque payload bytes.
	Body []byte `json:"body,omitempty"`
	// ContentType describes the payload encoding (informational only).
	ContentType string `json:"content_type,omitempty"`
	// SessionID groups the message into a broker-side session when set.
	SessionID string `json:"session_id,omitempty"`
	// Attributes carries application-defined key/value metadata.
	Attributes map[string]string `json:"attributes,omitempty"`
	// EnqueuedAtUnix is the broker accept time as a Unix timestamp in seconds.
	EnqueuedAtUnix int64 `json:"enqueued_at_unix,omitempty"`
}

// SendResult acknowledges a send.
type SendResult struct {
	// MessageID is the identifier the broker stored the message under.
	MessageID string `json:"message_id"`
	// SequenceNumber is the broker-assigned monotonic sequence for the queue.
	SequenceNumber int64 `json:"sequence_number"`
}

// ReceiveRequest asks the broker for the next available message under a lock.
type ReceiveRequest struct {
	// Queue names the queue to receive from.
	Queue string `json:"queue"`
	// SessionID restricts delivery to one session. Requires a session lock.
	SessionID string `json:"session_id,omitempty"`
	// SessionLockToken proves ownership of the session lock when SessionID is set.
	SessionLockToken string `json:"session_lock_token,omitempty"`
	// LockSeconds is the requested lock duration in seconds (0 uses the broker default).
	LockSeconds int64 `json:"lock_seconds,omitempty"`
	// DeadLetter selects the queue's dead-letter sub-queue instead of the main queue.
	DeadLetter bool `json:"dead_letter,omitempty"`
}

// Delivery is a locked message handed to one receiver.
type Delivery struct {
	Message
	// SequenceNumber is the broker-assigned monotonic sequence for the queue.
	SequenceNumber int64 `json:"sequence_number"`
	// LockToken addresses this delivery's lock in renew and settle calls.
	LockToken string `json:"lock_token"`
	// LockedUntilUnix is the lock expiry time as a Unix timestamp in seconds.
	LockedUntilUnix int64 `json:"locked_until_unix"`
	// DeliveryCount is the number of times the message has been locked for delivery.
	DeliveryCount int `json:"delivery_count"`
	// DeadLetterReason is set on deliveries read from the dead-letter sub-queue.
	DeadLetterReason string `json:"dead_letter_reason,omitempty"`
	// DeadLetterDescription elaborates on DeadLetterReason.
	DeadLetterDescription string `json:"dead_letter_description,omitempty"`
}

// RenewLockRequest asks the broker to extend a message lock.
type RenewLockRequest struct {
	// Queue names the queue the lock belongs to.
	Queue string `json:"queue"`
	// LockToken addresses the delivery whose lock should be extended.
	LockToken string `json:"lock_token"`
	// LockSeconds is the requested extension in seconds (0 uses the broker default).
	LockSeconds int64 `json:"lock_seconds,omitempty"`
}

// RenewLockResponse acknowledges a message lock renewal.
type RenewLockResponse struct {
	// LockedUntilUnix is the refreshed lock expiry time as a Unix timestamp in seconds.
	LockedUntilUnix int64 `json:"locked_until_unix"`
}

// RenewSessionRequest asks the broker to extend a session lock.
type RenewSessionRequest struct {
	// Queue names the queue the session belongs to.
	Queue string `json:"queue"`
	// SessionID identifies the locked session.
	SessionID string `json:"session_id"`
	// LockToken proves ownership of the session lock being extended.
	LockToken string `json:"lock_token"`
	// LockSeconds is the requested extension in seconds (0 uses the broker default).
	LockSeconds int64 `json:"lock_seconds,omitempty"`
}

// RenewSessionResponse acknowledges a session lock renewal.
type RenewSessionResponse struct {
	// LockedUntilUnix is the refreshed session lock expiry as a Unix timestamp in seconds.
	LockedUntilUnix int64 `json:"locked_until_unix"`
}

// Disposition values accepted by Settle.
const (
	// DispositionComplete removes the message from the queue.
	DispositionComplete = "complete"
	// DispositionAbandon releases the lock and makes the message receivable again.
	DispositionAbandon = "abandon"
	// DispositionDefer parks the message until it is explicitly received again.
	DispositionDefer = "defer"
	// DispositionDeadLetter moves the message to the queue's dead-letter sub-queue.
	DispositionDeadLetter = "dead_letter"
)

// SettleRequest applies a terminal disposition to a locked message.
type SettleRequest struct {
	// Queue names the queue the lock belongs to.
	Queue string `json:"queue"`
	// LockToken addresses the delivery being settled.
	LockToken string `json:"lock_token"`
	// Disposition is one of the Disposition* constants.
	Disposition string `json:"disposition"`
	// Reason annotates dead-letter and abandon dispositions.
	Reason string `json:"reason,omitempty"`
	// Description elaborates on Reason for dead-letter dispositions.
	Description string `json:"description,omitempty"`
}

// AcceptSessionRequest asks the broker for an exclusive session lock.
type AcceptSessionRequest struct {
	// Queue names the queue the session belongs to.
	Queue string `json:"queue"`
	// SessionID identifies the session to lock. Empty picks any unlocked session.
	SessionID string `json:"session_id,omitempty"`
	// LockSeconds is the requested session lock duration in seconds (0 uses the broker default).
	LockSeconds int64 `json:"lock_seconds,omitempty"`
}

// SessionGrant is returned when a session lock is acquired.
type SessionGrant struct {
	// SessionID identifies the locked session.
	SessionID string `json:"session_id"`
	// LockToken proves ownership of the session lock in follow-up calls.
	LockToken string `json:"lock_token"`
	// LockedUntilUnix is the session lock expiry time as a Unix timestamp in seconds.
	LockedUntilUnix int64 `json:"locked_until_unix"`
	// State is the session's opaque state blob at grant time.
	State []byte `json:"state,omitempty"`
}

// SessionStateRequest reads or replaces a session's opaque state blob.
type SessionStateRequest struct {
	// Queue names the queue the session belongs to.
	Queue string `json:"queue"`
	// SessionID identifies the locked session.
	SessionID string `json:"session_id"`
	// LockToken proves ownership of the session lock.
	LockToken string `json:"lock_token"`
	// State is the replacement blob for set operations.
	State []byte `json:"state,omitempty"`
}

// SessionStateResponse carries a session's opaque state blob.
type SessionStateResponse struct {
	// State is the session state blob. Nil when never set.
	State []byte `json:"state,omitempty"`
}
