package client

import "github.com/prometheus/client_golang/prometheus"

// renewerMetrics carries the per-renewer Prometheus instruments.
type renewerMetrics struct {
	registered prometheus.Counter
	active     prometheus.Gauge
	attempts   prometheus.Counter
	renewals   prometheus.Counter
	failures   prometheus.Counter
	timeouts   prometheus.Counter
	duration   prometheus.Histogram
}

// WithRenewerMetrics enables Prometheus metrics for the renewer, registered
// with reg. Registering two renewers with the same registerer panics on the
// duplicate collectors; give each its own registerer or wrap one with
// prometheus.WrapRegistererWith.
func WithRenewerMetrics(reg prometheus.Registerer) RenewerOption {
	return func(lr *LockRenewer) {
		if reg == nil {
			return
		}
		m := &renewerMetrics{
			registered: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_renewer_registrations_total",
				Help: "Leases registered for background renewal",
			}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "mbus_renewer_active_tasks",
				Help: "Renewal tasks currently running",
			}),
			attempts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_renewer_attempts_total",
				Help: "Renewal transport calls made",
			}),
			renewals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_renewer_renewals_total",
				Help: "Successful lock renewals",
			}),
			failures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_renewer_failures_total",
				Help: "Renewal tasks ended by a terminal renew failure",
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "mbus_renewer_timeouts_total",
				Help: "Renewal tasks ended by budget exhaustion",
			}),
			duration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "mbus_renewer_call_duration_seconds",
				Help:    "Latency of renewal transport calls",
				Buckets: prometheus.DefBuckets,
			}),
		}
		reg.MustRegister(m.registered, m.active, m.attempts, m.renewals, m.failures, m.timeouts, m.duration)
		lr.metrics = m
	}
}
