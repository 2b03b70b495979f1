package mbus

import (
	"pkt.systems/mbus/client"
	"pkt.systems/mbus/internal/broker"
	"pkt.systems/mbus/internal/clock"
	"pkt.systems/mbus/internal/svcfields"
	"pkt.systems/pslog"
)

// Broker is an in-process message broker. It owns queues, message locks,
// sessions, and dead-letter sub-queues, and hands out transports that clients
// bind to. A Broker is safe for concurrent use and holds no background
// goroutines; lock expiry is evaluated lazily against its clock.
type Broker struct {
	cfg    Config
	core   *broker.Core
	logger pslog.Logger
	clock  clock.Clock
}

// Option customises NewBroker behaviour.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom logger for broker diagnostics.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation. Lock and session expiry
// follow it, as do clients built through NewClient.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewBroker constructs a broker according to cfg.
// Example:
//
//	broker, err := mbus.NewBroker(mbus.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := broker.NewClient()
func NewBroker(cfg Config, opts ...Option) (*Broker, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if cfg.LogLevel != "" {
		if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
			logger = logger.LogLevel(level)
		}
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	core := broker.New(broker.Config{
		DefaultLockDuration:  cfg.DefaultLockDuration,
		MaxDeliveryCount:     cfg.MaxDeliveryCount,
		MaxSessionStateBytes: int(cfg.MaxSessionStateBytes),
		Logger:               svcfields.WithSubsystem(logger, "broker.core"),
		Clock:                clk,
	})
	return &Broker{
		cfg:    cfg,
		core:   core,
		logger: logger,
		clock:  clk,
	}, nil
}

// Config returns the validated configuration the broker runs with.
func (b *Broker) Config() Config {
	return b.cfg
}

// Transport exposes the broker as a client transport. Pass it to client.New
// to build senders and receivers bound to this broker.
func (b *Broker) Transport() client.Transport {
	return b.core
}

// NewClient returns a client bound to this broker. The client inherits the
// broker's logger and clock; opts may override both.
func (b *Broker) NewClient(opts ...client.Option) (*client.Client, error) {
	options := make([]client.Option, 0, len(opts)+2)
	options = append(options, client.WithLogger(b.logger), client.WithClock(b.clock))
	options = append(options, opts...)
	return client.New(b.core, options...)
}

// QueueStats summarises one queue at a point in time.
type QueueStats struct {
	// Ready counts messages deliverable right now.
	Ready int
	// Locked counts messages under an unexpired lock.
	Locked int
	// Deferred counts parked messages awaiting ReceiveDeferred.
	Deferred int
	// DeadLettered counts messages on the dead-letter sub-queue.
	DeadLettered int
	// Sessions counts known sessions.
	Sessions int
	// LockedSessions counts sessions under an unexpired lock.
	LockedSessions int
}

// Stats is a point-in-time snapshot of every queue plus lifetime counters.
type Stats struct {
	Queues      map[string]QueueStats
	Sent        int64
	Completed   int64
	Abandoned   int64
	Deferred    int64
	DeadLetters int64
}

// Stats snapshots the broker.
func (b *Broker) Stats() Stats {
	snap := b.core.Stats()
	st := Stats{
		Queues:      make(map[string]QueueStats, len(snap.Queues)),
		Sent:        snap.Sent,
		Completed:   snap.Completed,
		Abandoned:   snap.Abandoned,
		Deferred:    snap.Deferred,
		DeadLetters: snap.DeadLetters,
	}
	for name, qs := range snap.Queues {
		st.Queues[name] = QueueStats{
			Ready:          qs.Ready,
			Locked:         qs.Locked,
			Deferred:       qs.Deferred,
			DeadLettered:   qs.DeadLettered,
			Sessions:       qs.Sessions,
			LockedSessions: qs.LockedSessions,
		}
	}
	return st
}
