package client

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pkt.systems/mbus/client")

// clientMetrics carries the per-client Prometheus instruments.
type clientMetrics struct {
	sends          prometheus.Counter
	sendErrors     prometheus.Counter
	receives       prometheus.Counter
	settlements    prometheus.Counter
	settleErrors   prometheus.Counter
	sessionAccepts prometheus.Counter
}

// WithMetrics enables Prometheus metrics for the client, registered with reg.
// Registering two clients with the same registerer panics on the duplicate
// collectors; give each its own registerer or wrap one with
// prometheus.WrapRegistererWith.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) {
		if reg == nil {
			return
		}
		m := &clientMetrics{
			sends: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_sends_total",
				Help: "Messages accepted by the broker",
			}),
			sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_send_errors_total",
				Help: "Sends rejected by the broker or transport",
			}),
			receives: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_receives_total",
				Help: "Deliveries received, message and session receives combined",
			}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_settlements_total",
				Help: "Settlements applied",
			}),
			settleErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_settle_errors_total",
				Help: "Settlements refused, expired leases included",
			}),
			sessionAccepts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_client_session_accepts_total",
				Help: "Session locks granted",
			}),
		}
		reg.MustRegister(m.sends, m.sendErrors, m.receives, m.settlements, m.settleErrors, m.sessionAccepts)
		c.metrics = m
	}
}

// WithTracing enables an OpenTelemetry span around each send, receive,
// settlement, and session accept.
func WithTracing() Option {
	return func(c *Client) {
		c.tracing = true
	}
}

// startSpan opens a span around one client operation when tracing is on. The
// returned finish func records err on the span and ends it.
func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !c.tracing {
		return ctx, func(error) {}
	}
	ctx, span := tracer.Start(ctx, "mbus.client."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "client_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
