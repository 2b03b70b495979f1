package client

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/mbus/internal/clock"
	"pkt.systems/mbus/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultLockDuration is the lock duration receivers and session accepts
// request when none is configured.
const DefaultLockDuration = 30 * time.Second

// Client is the entry point to a message broker. It builds senders,
// receivers, session receivers, and lock renewers that share one transport.
// A Client is safe for concurrent use.
type Client struct {
	transport        Transport
	logger           pslog.Base
	clock            clock.Clock
	lockSeconds      int64
	renewCallTimeout time.Duration
	metrics          *clientMetrics
	tracing          bool
}

// Option customises client construction.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithClock supplies the client's time source. Receivers stamp lease expiry
// checks with it and renewers inherit it. Tests inject clock.Manual here.
// Nil is ignored.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLockDuration sets the lock duration receivers request on receive and
// session accept. The broker rounds it down to whole seconds. Values under
// one second are ignored.
func WithLockDuration(d time.Duration) Option {
	return func(c *Client) {
		if secs := int64(d / time.Second); secs > 0 {
			c.lockSeconds = secs
		}
	}
}

// WithRenewCallTimeout sets the per-call timeout renewers built via
// Client.NewLockRenewer apply to renewal transport calls. Non-positive
// values are ignored.
func WithRenewCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.renewCallTimeout = d
		}
	}
}

// New constructs a client over transport. The in-process broker's
// Transport method is the usual source; anything implementing Transport
// works.
func New(transport Transport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("mbus: transport required")
	}
	c := &Client{
		transport:        transport,
		logger:           pslog.NoopLogger(),
		clock:            clock.Real{},
		lockSeconds:      int64(DefaultLockDuration / time.Second),
		renewCallTimeout: DefaultRenewCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewLockRenewer builds a renewer that inherits the client's logger, clock,
// and renew call timeout. Later options override the inherited values.
func (c *Client) NewLockRenewer(opts ...RenewerOption) *LockRenewer {
	base := []RenewerOption{
		WithRenewerLogger(c.logger),
		WithRenewerClock(c.clock),
		WithRenewerCallTimeout(c.renewCallTimeout),
	}
	return NewLockRenewer(append(base, opts...)...)
}

func hasKey(keyvals []any, target string) bool {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == target {
			return true
		}
	}
	return false
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	if ctx == nil {
		return keyvals
	}
	cid := CorrelationIDFromContext(ctx)
	if cid == "" || hasKey(keyvals, "cid") {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	enriched = append(enriched, "cid", cid)
	return enriched
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	keyvals = c.enrichKeyvals(ctx, keyvals)
	c.logger.Trace(msg, keyvals...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	keyvals = c.enrichKeyvals(ctx, keyvals)
	c.logger.Debug(msg, keyvals...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	keyvals = c.enrichKeyvals(ctx, keyvals)
	c.logger.Warn(msg, keyvals...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	keyvals = c.enrichKeyvals(ctx, keyvals)
	c.logger.Error(msg, keyvals...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logDebugCtx(context.Background(), msg, keyvals...)
}
