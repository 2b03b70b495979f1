package client

import (
	"context"

	"pkt.systems/mbus/api"
)

// Transport is the broker-facing collaborator behind a Client. The module
// ships the in-process broker as its only implementation; the interface is
// the seam a wire transport would plug into. Implementations return
// api.Fault values for broker-side rejections and must be safe for
// concurrent use.
type Transport interface {
	// Send enqueues a message.
	Send(ctx context.Context, queue string, msg api.Message) (*api.SendResult, error)
	// Receive locks and returns the next available message, nil when the
	// queue has nothing deliverable.
	Receive(ctx context.Context, req api.ReceiveRequest) (*api.Delivery, error)
	// ReceiveDeferred retrieves a deferred message by sequence number.
	ReceiveDeferred(ctx context.Context, queue string, sequence int64) (*api.Delivery, error)
	// RenewMessageLock extends a message lock.
	RenewMessageLock(ctx context.Context, req api.RenewLockRequest) (*api.RenewLockResponse, error)
	// RenewSessionLock extends a session lock.
	RenewSessionLock(ctx context.Context, req api.RenewSessionRequest) (*api.RenewSessionResponse, error)
	// Settle applies a terminal disposition to a locked message.
	Settle(ctx context.Context, req api.SettleRequest) error
	// AcceptSession obtains an exclusive lock on a named session.
	AcceptSession(ctx context.Context, req api.AcceptSessionRequest) (*api.SessionGrant, error)
	// AcceptNextSession obtains an exclusive lock on any available session.
	AcceptNextSession(ctx context.Context, queue string, lockSeconds int64) (*api.SessionGrant, error)
	// GetSessionState reads a locked session's opaque state blob.
	GetSessionState(ctx context.Context, req api.SessionStateRequest) (*api.SessionStateResponse, error)
	// SetSessionState replaces a locked session's opaque state blob.
	SetSessionState(ctx context.Context, req api.SessionStateRequest) error
}
