package broker

import (
	"context"
	"time"

	"pkt.systems/mbus/api"
	"pkt.systems/mbus/internal/token"
)

// AcceptSession locks the named session for exclusive consumption. Session
// state survives across accepts; only the lock token changes hands.
func (c *Core) AcceptSession(ctx context.Context, req api.AcceptSessionRequest) (*api.SessionGrant, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, api.Faultf(api.FaultNotFound, "session id required")
	}
	now := c.clock.Now()
	s := q.sessions[req.SessionID]
	if s == nil {
		s = &sessionState{id: req.SessionID}
		q.sessions[req.SessionID] = s
	}
	if s.lockToken != "" && s.lockedUntil.After(now) {
		logger.Warn("session.accept.busy", "queue", req.Queue, "session_id", req.SessionID)
		return nil, api.Faultf(api.FaultLockTimeout, "session %q is locked by another receiver", req.SessionID)
	}
	grant := c.grantSession(q, s, req.LockSeconds)
	logger.Debug("session.accept", "queue", req.Queue, "session_id", s.id, "locked_until", grant.LockedUntilUnix)
	return grant, nil
}

// AcceptNextSession locks the first session with deliverable messages that no
// receiver currently holds.
func (c *Core) AcceptNextSession(ctx context.Context, queue string, lockSeconds int64) (*api.SessionGrant, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(queue, false)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	seen := make(map[string]bool)
	for _, e := range q.entries {
		id := e.msg.SessionID
		if id == "" || seen[id] || e.deferred || e.locked(now) {
			continue
		}
		seen[id] = true
		s := q.sessions[id]
		if s != nil && s.lockToken != "" && s.lockedUntil.After(now) {
			continue
		}
		if s == nil {
			s = &sessionState{id: id}
			q.sessions[id] = s
		}
		grant := c.grantSession(q, s, lockSeconds)
		logger.Debug("session.accept.next", "queue", q.name, "session_id", s.id, "locked_until", grant.LockedUntilUnix)
		return grant, nil
	}
	return nil, api.Faultf(api.FaultLockTimeout, "no session available")
}

// grantSession issues a fresh session lock token. Callers hold c.mu.
func (c *Core) grantSession(q *queueState, s *sessionState, lockSeconds int64) *api.SessionGrant {
	s.lockToken = token.New()
	s.lockedUntil = c.clock.Now().Add(c.lockDuration(lockSeconds))
	return &api.SessionGrant{
		SessionID:       s.id,
		LockToken:       s.lockToken,
		LockedUntilUnix: s.lockedUntil.Unix(),
		State:           append([]byte(nil), s.state...),
	}
}

// RenewSessionLock extends a held session lock. A stale token, or a lock that
// expired and was granted to someone else, fails with lock_lost.
func (c *Core) RenewSessionLock(ctx context.Context, req api.RenewSessionRequest) (*api.RenewSessionResponse, error) {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	s := q.sessions[req.SessionID]
	if s == nil {
		return nil, api.Faultf(api.FaultNotFound, "session %q does not exist", req.SessionID)
	}
	if s.lockToken != req.LockToken || !s.lockedUntil.After(now) {
		logger.Warn("session.renew.lost", "queue", req.Queue, "session_id", req.SessionID)
		return nil, api.Faultf(api.FaultLockLost, "session lock is no longer held")
	}
	s.lockedUntil = now.Add(c.lockDuration(req.LockSeconds))
	logger.Debug("session.renew", "queue", req.Queue, "session_id", s.id, "locked_until", s.lockedUntil.Unix())
	return &api.RenewSessionResponse{LockedUntilUnix: s.lockedUntil.Unix()}, nil
}

// GetSessionState returns the opaque state blob stored for a locked session.
func (c *Core) GetSessionState(ctx context.Context, req api.SessionStateRequest) (*api.SessionStateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return nil, err
	}
	s, err := q.heldSession(req.SessionID, req.LockToken, c.clock.Now())
	if err != nil {
		return nil, err
	}
	return &api.SessionStateResponse{State: append([]byte(nil), s.state...)}, nil
}

// SetSessionState replaces the opaque state blob stored for a locked session.
func (c *Core) SetSessionState(ctx context.Context, req api.SessionStateRequest) error {
	logger := c.loggerFor(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queue(req.Queue, false)
	if err != nil {
		return err
	}
	if len(req.State) > c.cfg.MaxSessionStateBytes {
		return api.Faultf(api.FaultInternal, "session state exceeds %d bytes", c.cfg.MaxSessionStateBytes)
	}
	s, err := q.heldSession(req.SessionID, req.LockToken, c.clock.Now())
	if err != nil {
		return err
	}
	s.state = append([]byte(nil), req.State...)
	logger.Debug("session.state.set", "queue", req.Queue, "session_id", s.id, "bytes", len(s.state))
	return nil
}

// heldSession resolves a session and verifies the caller still holds its
// lock. Callers hold c.mu.
func (q *queueState) heldSession(id, token string, now time.Time) (*sessionState, error) {
	s := q.sessions[id]
	if s == nil {
		return nil, api.Faultf(api.FaultNotFound, "session %q does not exist", id)
	}
	if s.lockToken != token || !s.lockedUntil.After(now) {
		return nil, api.Faultf(api.FaultLockLost, "session lock is no longer held")
	}
	return s, nil
}

// checkSessionLock validates a session receive against the presented session
// lock token. Callers hold c.mu.
func (q *queueState) checkSessionLock(id, token string, now time.Time) error {
	_, err := q.heldSession(id, token, now)
	return err
}
