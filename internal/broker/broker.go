// Package broker implements the in-process message broker backing the SDK's
// transport interface. Queues, locks, and sessions live in memory behind one
// mutex; lock and session expiry is evaluated lazily against the injected
// clock on every touch, so there is no background sweeper and tests can drive
// time with a manual clock.
package broker

import (
	"context"
	"sync"
	"time"

	"pkt.systems/mbus/api"
	"pkt.systems/mbus/internal/clock"
	"pkt.systems/pslog"
)

// Config carries the broker-side knobs. Callers normally build one through
// the root package's Config.Validate().
type Config struct {
	// DefaultLockDuration applies when a request omits lock_seconds.
	DefaultLockDuration time.Duration
	// MaxDeliveryCount dead-letters a message once it has been delivered this
	// many times without completing.
	MaxDeliveryCount int
	// MaxSessionStateBytes caps SetSessionState payloads.
	MaxSessionStateBytes int
	// Logger receives broker diagnostics. Nil disables logging.
	Logger pslog.Logger
	// Clock supplies time. Nil selects the real clock.
	Clock clock.Clock
}

// Core is the broker state machine. All exported methods are safe for
// concurrent use.
type Core struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
	queues map[string]*queueState

	sent        int64
	completed   int64
	abandoned   int64
	deferred    int64
	deadLetters int64
}

type queueState struct {
	name     string
	nextSeq  int64
	entries  []*entry
	deadEnts []*entry
	sessions map[string]*sessionState
}

type entry struct {
	msg           api.Message
	seq           int64
	lockToken     string
	lockedUntil   time.Time
	deliveryCount int
	deferred      bool
	dlReason      string
	dlDescription string
}

type sessionState struct {
	id          string
	lockToken   string
	lockedUntil time.Time
	state       []byte
}

// New constructs the broker Core with sane defaults.
func New(cfg Config) *Core {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.DefaultLockDuration <= 0 {
		cfg.DefaultLockDuration = 30 * time.Second
	}
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 10
	}
	if cfg.MaxSessionStateBytes <= 0 {
		cfg.MaxSessionStateBytes = 256 << 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Core{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: logger,
		queues: make(map[string]*queueState),
	}
}

// loggerFor prefers the request-scoped logger over the broker logger.
func (c *Core) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return c.logger
}

// QueueStats summarises one queue for Stats.
type QueueStats struct {
	// Ready counts messages available for delivery right now.
	Ready int
	// Locked counts messages under an unexpired lock.
	Locked int
	// Deferred counts parked messages awaiting receive-deferred.
	Deferred int
	// DeadLettered counts messages on the dead-letter sub-queue.
	DeadLettered int
	// Sessions counts known sessions.
	Sessions int
	// LockedSessions counts sessions under an unexpired lock.
	LockedSessions int
}

// Stats is a point-in-time snapshot plus lifetime counters.
type Stats struct {
	Queues      map[string]QueueStats
	Sent        int64
	Completed   int64
	Abandoned   int64
	Deferred    int64
	DeadLetters int64
}

// Stats snapshots the broker.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	st := Stats{
		Queues:      make(map[string]QueueStats, len(c.queues)),
		Sent:        c.sent,
		Completed:   c.completed,
		Abandoned:   c.abandoned,
		Deferred:    c.deferred,
		DeadLetters: c.deadLetters,
	}
	for name, q := range c.queues {
		var qs QueueStats
		for _, e := range q.entries {
			switch {
			case e.deferred:
				qs.Deferred++
			case e.locked(now):
				qs.Locked++
			default:
				qs.Ready++
			}
		}
		qs.DeadLettered = len(q.deadEnts)
		qs.Sessions = len(q.sessions)
		for _, s := range q.sessions {
			if s.lockToken != "" && s.lockedUntil.After(now) {
				qs.LockedSessions++
			}
		}
		st.Queues[name] = qs
	}
	return st
}

// lockDuration resolves a requested lock_seconds against the default.
func (c *Core) lockDuration(seconds int64) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return c.cfg.DefaultLockDuration
}

// queue returns the named queue, optionally creating it. Callers hold c.mu.
func (c *Core) queue(name string, create bool) (*queueState, error) {
	if name == "" {
		return nil, api.Fault{Code: api.FaultNotFound, Detail: "queue name required"}
	}
	q, ok := c.queues[name]
	if ok {
		return q, nil
	}
	if !create {
		return nil, api.Faultf(api.FaultNotFound, "queue %q does not exist", name)
	}
	q = &queueState{name: name, sessions: make(map[string]*sessionState)}
	c.queues[name] = q
	return q, nil
}

// locked reports whether e holds an unexpired lock.
func (e *entry) locked(now time.Time) bool {
	return e.lockToken != "" && e.lockedUntil.After(now)
}

// findByToken locates the entry addressed by a lock token, searching the main
// list first and the dead-letter list second. Callers hold c.mu.
func (q *queueState) findByToken(token string) *entry {
	if token == "" {
		return nil
	}
	for _, e := range q.entries {
		if e.lockToken == token {
			return e
		}
	}
	for _, e := range q.deadEnts {
		if e.lockToken == token {
			return e
		}
	}
	return nil
}

// remove deletes e from whichever list currently holds it. Callers hold c.mu.
func (q *queueState) remove(e *entry) {
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
	for i, cur := range q.deadEnts {
		if cur == e {
			q.deadEnts = append(q.deadEnts[:i], q.deadEnts[i+1:]...)
			return
		}
	}
}

// deadLetter moves e from the main list onto the dead-letter sub-queue.
// Callers hold c.mu.
func (c *Core) deadLetter(logger pslog.Logger, q *queueState, e *entry, reason, description string) {
	q.remove(e)
	e.lockToken = ""
	e.lockedUntil = time.Time{}
	e.deferred = false
	e.dlReason = reason
	e.dlDescription = description
	q.deadEnts = append(q.deadEnts, e)
	c.deadLetters++
	logger.Debug("queue.deadletter", "queue", q.name, "message_id", e.msg.ID, "reason", reason)
}

// delivery renders e as the wire-level delivery handed to a receiver.
func (e *entry) delivery() *api.Delivery {
	return &api.Delivery{
		Message:               e.msg,
		SequenceNumber:        e.seq,
		LockToken:             e.lockToken,
		LockedUntilUnix:       e.lockedUntil.Unix(),
		DeliveryCount:         e.deliveryCount,
		DeadLetterReason:      e.dlReason,
		DeadLetterDescription: e.dlDescription,
	}
}
