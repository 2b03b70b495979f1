package broker

import (
	"context"

	"pkt.systems/mbus/api"
)

// RenewMessageLock extends the lock on a delivered message. Expired or
// reissued tokens fail with lock_lost.
func (c *Core) RenewMessageLock(ctx context.Context, req api.RenewLockRequest) (*api.RenewLockResponse, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	e := q.findByToken(req.LockToken)
	if e == nil || !e.lockedUntil.After(now) {
		logger.Warn("lock.renew.lost", "queue", req.Queue, "lock_token", req.LockToken)
		return nil, api.Faultf(api.FaultLockLost, "lock token is no longer valid")
	}
	e.lockedUntil = now.Add(c.lockDuration(req.LockSeconds))
	logger.Debug("lock.renew", "queue", req.Queue, "message_id", e.msg.ID, "locked_until", e.lockedUntil.Unix())
	return &api.RenewLockResponse{LockedUntilUnix: e.lockedUntil.Unix()}, nil
}

// Settle resolves a delivered message according to the requested disposition.
// The lock token must still be live; settling twice or after expiry fails
// with lock_lost.
func (c *Core) Settle(ctx context.Context, req api.SettleRequest) error {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return err
	}
	now := c.clock.Now()
	e := q.findByToken(req.LockToken)
	if e == nil || !e.lockedUntil.After(now) {
		logger.Warn("lock.settle.lost", "queue", req.Queue, "lock_token", req.LockToken, "disposition", req.Disposition)
		return api.Faultf(api.FaultLockLost, "lock token is no longer valid")
	}
	switch req.Disposition {
	case api.DispositionComplete:
		q.remove(e)
		c.completed++
	case api.DispositionAbandon:
		e.lockToken = ""
		e.lockedUntil = now
		c.abandoned++
		if e.deliveryCount >= c.cfg.MaxDeliveryCount {
			c.deadLetter(logger, q, e, "max_delivery_exceeded", "delivery count reached the queue limit")
		}
	case api.DispositionDefer:
		e.lockToken = ""
		e.lockedUntil = now
		e.deferred = true
		c.deferred++
	case api.DispositionDeadLetter:
		reason := req.Reason
		if reason == "" {
			reason = "dead_lettered"
		}
		c.deadLetter(logger, q, e, reason, req.Description)
	default:
		return api.Faultf(api.FaultInternal, "unknown disposition %q", req.Disposition)
	}
	logger.Debug("lock.settle", "queue", req.Queue, "message_id", e.msg.ID, "disposition", req.Disposition)
	return nil
}
