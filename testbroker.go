package mbus

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"pkt.systems/mbus/client"
	"pkt.systems/mbus/internal/clock"
	"pkt.systems/pslog"
)

// TestBroker wraps an in-process Broker with convenient handles for tests.
type TestBroker struct {
	Broker *Broker
	Client *client.Client
	Config Config
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer).WithLogLevel()
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testbroker")
}

// NewClient returns a new client bound to the test broker.
func (tb *TestBroker) NewClient(opts ...client.Option) (*client.Client, error) {
	if tb == nil || tb.Broker == nil {
		return nil, fmt.Errorf("nil test broker")
	}
	return tb.Broker.NewClient(opts...)
}

type testBrokerOptions struct {
	cfg           Config
	cfgSet        bool
	mutators      []func(*Config)
	logger        pslog.Logger
	clock         clock.Clock
	clientOpts    []client.Option
	disableClient bool
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestBrokerOption customises NewTestBroker/StartTestBroker behaviour.
type TestBrokerOption func(*testBrokerOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the broker configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestBrokerOption {
	return func(o *testBrokerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestClock drives the broker and its helper client from clk instead of
// the real clock. Tests pass clock.NewManual here to control lock expiry.
func WithTestClock(clk clock.Clock) TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.clock = clk
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.logger = logger
	}
}

// WithTestClientOptions appends client options used when auto-constructing the helper client.
func WithTestClientOptions(opts ...client.Option) TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient disables automatic client creation.
func WithoutTestClient() TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.disableClient = true
	}
}

// WithTestLoggerFromTB routes broker logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestBrokerOption {
	return func(o *testBrokerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestLoggerTB uses the testing logger with Debug level.
func WithTestLoggerTB(t testing.TB) TestBrokerOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestBroker builds a broker suitable for tests. The broker holds no
// background goroutines, so there is nothing to stop; loggers built through
// WithTestLoggerFromTB detach themselves when the test finishes.
func NewTestBroker(opts ...TestBrokerOption) (*TestBroker, error) {
	options := testBrokerOptions{
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}

	logger := options.logger
	if logger == nil && options.testTB != nil {
		logger = NewTestingLogger(options.testTB, options.testLogLevel)
	}

	brokerOpts := []Option{WithLogger(logger)}
	if options.clock != nil {
		brokerOpts = append(brokerOpts, WithClock(options.clock))
	}
	b, err := NewBroker(cfg, brokerOpts...)
	if err != nil {
		return nil, err
	}

	var cli *client.Client
	if !options.disableClient {
		cli, err = b.NewClient(options.clientOpts...)
		if err != nil {
			return nil, err
		}
	}

	return &TestBroker{
		Broker: b,
		Client: cli,
		Config: b.Config(),
	}, nil
}

// StartTestBroker is a convenience wrapper that fails the test on error.
func StartTestBroker(t testing.TB, opts ...TestBrokerOption) *TestBroker {
	t.Helper()
	tb, err := NewTestBroker(opts...)
	if err != nil {
		t.Fatalf("start test broker: %v", err)
	}
	return tb
}
