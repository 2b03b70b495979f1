package broker

import (
	"context"
	"time"

	"github.com/rs/xid"
	"pkt.systems/mbus/api"
	"pkt.systems/mbus/internal/token"
	"pkt.systems/pslog"
)

// Send enqueues a message, creating the queue on first use. The message ID is
// assigned when the sender left it empty.
func (c *Core) Send(ctx context.Context, queue string, msg api.Message) (*api.SendResult, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(queue, true)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	if msg.EnqueuedAtUnix == 0 {
		msg.EnqueuedAtUnix = c.clock.Now().Unix()
	}
	q.nextSeq++
	e := &entry{msg: msg, seq: q.nextSeq}
	q.entries = append(q.entries, e)
	c.sent++
	logger.Debug("queue.send", "queue", queue, "message_id", msg.ID, "seq", e.seq, "session_id", msg.SessionID)
	return &api.SendResult{MessageID: msg.ID, SequenceNumber: e.seq}, nil
}

// Receive locks and returns the next available message, or nil when the queue
// has nothing deliverable right now. Session receives present the session lock
// token and only see messages tagged with that session.
func (c *Core) Receive(ctx context.Context, req api.ReceiveRequest) (*api.Delivery, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	c.reclaimExpired(logger, q, now)

	if req.DeadLetter {
		for _, e := range q.deadEnts {
			if e.locked(now) || e.deferred {
				continue
			}
			return c.lockEntry(logger, q, e, req.LockSeconds), nil
		}
		return nil, nil
	}

	if req.SessionID != "" {
		if err := q.checkSessionLock(req.SessionID, req.SessionLockToken, now); err != nil {
			return nil, err
		}
	}
	for _, e := range q.entries {
		if e.deferred || e.locked(now) {
			continue
		}
		if e.msg.SessionID != req.SessionID {
			continue
		}
		return c.lockEntry(logger, q, e, req.LockSeconds), nil
	}
	return nil, nil
}

// ReceiveDeferred retrieves a previously deferred message by sequence number
// and locks it again.
func (c *Core) ReceiveDeferred(ctx context.Context, queue string, sequence int64) (*api.Delivery, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(queue, false)
	if err != nil {
		return nil, err
	}
	e := q.findBySeq(sequence)
	if e == nil || !e.deferred {
		return nil, api.Faultf(api.FaultNotFound, "no deferred message with sequence %d", sequence)
	}
	e.deferred = false
	return c.lockEntry(logger, q, e, 0), nil
}

// lockEntry issues a fresh lock token on e and renders the delivery.
// Callers hold c.mu.
func (c *Core) lockEntry(logger pslog.Logger, q *queueState, e *entry, lockSeconds int64) *api.Delivery {
	e.lockToken = token.New()
	e.lockedUntil = c.clock.Now().Add(c.lockDuration(lockSeconds))
	e.deliveryCount++
	logger.Debug("queue.receive", "queue", q.name, "message_id", e.msg.ID, "seq", e.seq,
		"delivery_count", e.deliveryCount, "locked_until", e.lockedUntil.Unix())
	return e.delivery()
}

// reclaimExpired releases expired message locks and dead-letters entries that
// have exhausted their delivery budget. Callers hold c.mu.
func (c *Core) reclaimExpired(logger pslog.Logger, q *queueState, now time.Time) {
	var exhausted []*entry
	for _, e := range q.entries {
		if e.lockToken == "" || e.lockedUntil.After(now) {
			continue
		}
		e.lockToken = ""
		e.lockedUntil = now
		logger.Debug("queue.lock.expired", "queue", q.name, "message_id", e.msg.ID, "delivery_count", e.deliveryCount)
		if e.deliveryCount >= c.cfg.MaxDeliveryCount {
			exhausted = append(exhausted, e)
		}
	}
	for _, e := range exhausted {
		c.deadLetter(logger, q, e, "max_delivery_exceeded", "delivery count reached the queue limit")
	}
}

// findBySeq locates an entry by sequence number across both sub-queues.
// Callers hold c.mu.
func (q *queueState) findBySeq(sequence int64) *entry {
	for _, e := range q.entries {
		if e.seq == sequence {
			return e
		}
	}
	for _, e := range q.deadEnts {
		if e.seq == sequence {
			return e
		}
	}
	return nil
}
