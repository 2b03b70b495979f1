package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/mbus/internal/clock"
	"pkt.systems/pslog"
)

const (
	// DefaultRenewInterval is the look-ahead window: a lease is renewed once
	// its remaining lock time drops to this value.
	DefaultRenewInterval = 10 * time.Second
	// DefaultPollInterval is how often a renewal task re-checks its lease.
	DefaultPollInterval = time.Second
	// DefaultRenewCallTimeout bounds each renewal transport call.
	DefaultRenewCallTimeout = 10 * time.Second
	// DefaultMaxRenewalDuration is the renewal budget receivers use when
	// auto-registering received leases.
	DefaultMaxRenewalDuration = 5 * time.Minute
)

// Renewable is a lease the LockRenewer can keep alive: a received message's
// lock or a session receiver's session lock. The interface is sealed;
// *ReceivedMessage and *SessionReceiver are the implementations.
type Renewable interface {
	// LockedUntil reports the lease's current expiry.
	LockedUntil() time.Time
	// AutoRenewError reports the terminal background renewal error, if any.
	AutoRenewError() error

	renewLock(ctx context.Context) (time.Time, error)
	renewable() bool
	setAutoRenewError(err error) bool
	renewalTag() (kind, id string)
}

// RenewalOutcome reports how a renewal task ended.
type RenewalOutcome int32

const (
	// RenewalOutcomeNone means the task is still running.
	RenewalOutcomeNone RenewalOutcome = iota
	// RenewalOutcomeNormal means the task ended cleanly: the lease settled,
	// its owner closed, the registration was stopped, or the renewer closed.
	RenewalOutcomeNormal
	// RenewalOutcomeTimeout means the registration's renewal budget elapsed.
	RenewalOutcomeTimeout
	// RenewalOutcomeError means a renewal call failed terminally.
	RenewalOutcomeError
)

func (o RenewalOutcome) String() string {
	switch o {
	case RenewalOutcomeNone:
		return "none"
	case RenewalOutcomeNormal:
		return "normal"
	case RenewalOutcomeTimeout:
		return "timeout"
	case RenewalOutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int32(o))
	}
}

// RenewalFailureHandler is invoked from the renewal task's goroutine when a
// renew call fails terminally. err is the *RenewalFailedError also recorded
// on the lease. Budget exhaustion and clean exits never invoke it.
type RenewalFailureHandler func(lease Renewable, err error)

// LockRenewer renews registered leases in the background, one goroutine per
// lease. Failures are recorded on the lease and surface when the application
// next settles or uses it; the renewer itself never raises. A renewer may be
// shared across receivers and must be closed when no longer needed.
type LockRenewer struct {
	logger        pslog.Base
	clock         clock.Clock
	renewInterval time.Duration
	pollInterval  time.Duration
	callTimeout   time.Duration
	onFailure     RenewalFailureHandler
	metrics       *renewerMetrics
	tracing       bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	stopCh     chan struct{}
	closeOnce  sync.Once

	mu     sync.Mutex
	closed bool
	active map[Renewable]*Registration
	wg     sync.WaitGroup
}

// RenewerOption customises renewer construction.
type RenewerOption func(*LockRenewer)

// WithRenewerLogger supplies a logger for renewal diagnostics. Nil is
// ignored; the default discards everything.
func WithRenewerLogger(logger pslog.Base) RenewerOption {
	return func(lr *LockRenewer) {
		if logger != nil {
			lr.logger = logger
		}
	}
}

// WithRenewerClock supplies the time source for budget accounting, renewal
// scheduling, and poll sleeps. Tests inject clock.Manual here.
func WithRenewerClock(clk clock.Clock) RenewerOption {
	return func(lr *LockRenewer) {
		if clk != nil {
			lr.clock = clk
		}
	}
}

// WithRenewInterval sets the look-ahead window. Non-positive values are
// ignored.
func WithRenewInterval(d time.Duration) RenewerOption {
	return func(lr *LockRenewer) {
		if d > 0 {
			lr.renewInterval = d
		}
	}
}

// WithPollInterval sets how often each task re-checks its lease. The value
// must undercut the renew interval; the constructor clamps it to half the
// renew interval otherwise. Non-positive values are ignored.
func WithPollInterval(d time.Duration) RenewerOption {
	return func(lr *LockRenewer) {
		if d > 0 {
			lr.pollInterval = d
		}
	}
}

// WithRenewerCallTimeout bounds each renewal transport call. Non-positive
// values are ignored.
func WithRenewerCallTimeout(d time.Duration) RenewerOption {
	return func(lr *LockRenewer) {
		if d > 0 {
			lr.callTimeout = d
		}
	}
}

// WithRenewalFailureHandler installs the renewer-wide failure callback.
// Per-registration handlers override it.
func WithRenewalFailureHandler(fn RenewalFailureHandler) RenewerOption {
	return func(lr *LockRenewer) {
		lr.onFailure = fn
	}
}

// WithRenewerTracing enables an OpenTelemetry span around each renewal call.
func WithRenewerTracing() RenewerOption {
	return func(lr *LockRenewer) {
		lr.tracing = true
	}
}

// NewLockRenewer builds a standalone renewer. Client.NewLockRenewer builds
// one inheriting the client's logger, clock, and call timeout.
func NewLockRenewer(opts ...RenewerOption) *LockRenewer {
	lr := &LockRenewer{
		logger:        pslog.NoopLogger(),
		clock:         clock.Real{},
		renewInterval: DefaultRenewInterval,
		pollInterval:  DefaultPollInterval,
		callTimeout:   DefaultRenewCallTimeout,
		stopCh:        make(chan struct{}),
		active:        make(map[Renewable]*Registration),
	}
	for _, opt := range opts {
		opt(lr)
	}
	if lr.pollInterval >= lr.renewInterval {
		lr.pollInterval = lr.renewInterval / 2
	}
	lr.baseCtx, lr.cancelBase = context.WithCancel(context.Background())
	return lr
}

// Registration is the handle for one lease's renewal task. It must be
// released explicitly, either by Stop or by closing the renewer; the task
// also ends on its own when the lease settles, renewal fails, or the budget
// elapses.
type Registration struct {
	lease    Renewable
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	outcome  atomic.Int32
}

// Done returns a channel closed when the task reaches a terminal state.
func (g *Registration) Done() <-chan struct{} { return g.done }

// Outcome reports the task's terminal state, RenewalOutcomeNone while it is
// still running.
func (g *Registration) Outcome() RenewalOutcome {
	return RenewalOutcome(g.outcome.Load())
}

// Stop asks the task to end without recording an error. It does not wait;
// the task exits within one poll interval. Idempotent.
func (g *Registration) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// RegisterOption customises one registration.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	onFailure RenewalFailureHandler
}

// WithOnRenewalFailure overrides the renewer-wide failure handler for this
// registration.
func WithOnRenewalFailure(fn RenewalFailureHandler) RegisterOption {
	return func(rc *registerConfig) {
		rc.onFailure = fn
	}
}

// Register starts background renewal for lease, bounded by
// maxRenewalDuration measured from now. It fails with ErrRenewerClosed once
// Close has begun and ErrAlreadyRegistered while an active task exists for
// the same lease; a lease whose task has ended may be registered again.
func (lr *LockRenewer) Register(lease Renewable, maxRenewalDuration time.Duration, opts ...RegisterOption) (*Registration, error) {
	if lease == nil {
		return nil, fmt.Errorf("mbus: nil lease")
	}
	if maxRenewalDuration <= 0 {
		return nil, fmt.Errorf("mbus: max renewal duration must be positive, got %v", maxRenewalDuration)
	}
	var rc registerConfig
	for _, opt := range opts {
		opt(&rc)
	}

	reg := &Registration{
		lease: lease,
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}

	lr.mu.Lock()
	if lr.closed {
		lr.mu.Unlock()
		return nil, ErrRenewerClosed
	}
	if _, ok := lr.active[lease]; ok {
		lr.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	lr.active[lease] = reg
	lr.wg.Add(1)
	lr.mu.Unlock()

	onFailure := lr.onFailure
	if rc.onFailure != nil {
		onFailure = rc.onFailure
	}
	registeredAt := lr.clock.Now()
	kind, id := lease.renewalTag()
	lr.logDebug("renewer.register", "kind", kind, "id", id, "max_renewal_duration", maxRenewalDuration)
	if lr.metrics != nil {
		lr.metrics.registered.Inc()
		lr.metrics.active.Inc()
	}
	go lr.renewLoop(reg, registeredAt, maxRenewalDuration, onFailure)
	return reg, nil
}

// renewLoop is the renewal task: one goroutine per registered lease.
//
// Check order each pass: budget, then lease/stop state, then due-ness. A
// write refused by the lease means settlement raced in, and the task ends
// as a clean exit regardless of what it was about to record.
func (lr *LockRenewer) renewLoop(reg *Registration, registeredAt time.Time, budget time.Duration, onFailure RenewalFailureHandler) {
	lease := reg.lease
	kind, id := lease.renewalTag()
	outcome := RenewalOutcomeNormal
	defer func() {
		// Everything observable through the Registration lands before done
		// closes: outcome, the active-set slot, and the gauge.
		reg.outcome.Store(int32(outcome))
		lr.mu.Lock()
		delete(lr.active, lease)
		lr.mu.Unlock()
		if lr.metrics != nil {
			lr.metrics.active.Dec()
		}
		close(reg.done)
		lr.logDebug("renewer.task.done", "kind", kind, "id", id, "outcome", outcome.String())
		lr.wg.Done()
	}()

	for {
		if lr.clock.Now().Sub(registeredAt) >= budget {
			err := &RenewalTimeoutError{MaxDuration: budget}
			if lease.setAutoRenewError(err) {
				outcome = RenewalOutcomeTimeout
				lr.logWarn("renewer.budget.elapsed", "kind", kind, "id", id, "max_renewal_duration", budget)
				if lr.metrics != nil {
					lr.metrics.timeouts.Inc()
				}
			}
			return
		}
		if !lease.renewable() || lr.stopRequested(reg) {
			return
		}
		if lease.LockedUntil().Sub(lr.clock.Now()) <= lr.renewInterval {
			expiry, err := lr.renewOnce(lease, kind, id)
			if err != nil {
				// A renewal aborted by settlement or shutdown is not a failure.
				if !lease.renewable() || lr.stopRequested(reg) {
					return
				}
				werr := &RenewalFailedError{Cause: err}
				if lease.setAutoRenewError(werr) {
					outcome = RenewalOutcomeError
					lr.logWarn("renewer.renew.failed", "kind", kind, "id", id, "error", err)
					if lr.metrics != nil {
						lr.metrics.failures.Inc()
					}
					if onFailure != nil {
						onFailure(lease, werr)
					}
				}
				return
			}
			lr.logDebug("renewer.renewed", "kind", kind, "id", id, "locked_until", expiry.Unix())
			if lr.metrics != nil {
				lr.metrics.renewals.Inc()
			}
			continue
		}
		select {
		case <-reg.stop:
			return
		case <-lr.stopCh:
			return
		case <-lr.clock.After(lr.pollInterval):
		}
	}
}

// renewOnce performs one bounded renewal attempt.
func (lr *LockRenewer) renewOnce(lease Renewable, kind, id string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(lr.baseCtx, lr.callTimeout)
	defer cancel()
	if lr.tracing {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "mbus.client.renew", trace.WithAttributes(
			attribute.String("mbus.lease.kind", kind),
			attribute.String("mbus.lease.id", id),
		))
		defer span.End()
	}
	start := lr.clock.Now()
	expiry, err := lease.renewLock(ctx)
	if lr.metrics != nil {
		lr.metrics.attempts.Inc()
		lr.metrics.duration.Observe(lr.clock.Now().Sub(start).Seconds())
	}
	return expiry, err
}

func (lr *LockRenewer) stopRequested(reg *Registration) bool {
	select {
	case <-reg.stop:
		return true
	case <-lr.stopCh:
		return true
	default:
		return false
	}
}

// Close ends every renewal task and waits for all of them to reach a
// terminal state. In-flight renew calls are aborted; each still-running task
// exits within one poll interval or one aborted transport call, whichever it
// is waiting on. Idempotent; always returns nil.
func (lr *LockRenewer) Close() error {
	lr.closeOnce.Do(func() {
		lr.mu.Lock()
		lr.closed = true
		lr.mu.Unlock()
		lr.cancelBase()
		close(lr.stopCh)
		lr.logDebug("renewer.close")
	})
	lr.wg.Wait()
	return nil
}

// ActiveTasks reports how many renewal tasks are currently running.
func (lr *LockRenewer) ActiveTasks() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return len(lr.active)
}

func (lr *LockRenewer) logDebug(msg string, keyvals ...any) {
	if lr.logger == nil {
		return
	}
	lr.logger.Debug(msg, keyvals...)
}

func (lr *LockRenewer) logWarn(msg string, keyvals ...any) {
	if lr.logger == nil {
		return
	}
	lr.logger.Warn(msg, keyvals...)
}
