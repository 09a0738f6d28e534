package sla

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the SLA monitor.
type Metrics struct {
	SweepsTotal    prometheus.Counter
	SweepDuration  prometheus.Histogram
	AlertsChecked  prometheus.Counter
	Escalated      prometheus.Counter
	SweepFailures  prometheus.Counter
	SweepCancelled prometheus.Counter
}

// NewMetrics registers and returns SLA metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_sla_sweeps_total",
			Help: "Total SLA sweeps run.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinalert_sla_sweep_duration_seconds",
			Help:    "Duration of SLA sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}),
		AlertsChecked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_sla_alerts_evaluated_total",
			Help: "Open alerts evaluated by SLA sweeps.",
		}),
		Escalated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_sla_escalated_total",
			Help: "Alerts escalated by SLA sweeps.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_sla_escalation_failures_total",
			Help: "Per-alert escalation failures during SLA sweeps.",
		}),
		SweepCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_sla_sweeps_cancelled_total",
			Help: "SLA sweeps stopped early by cancellation.",
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepDuration,
		m.AlertsChecked,
		m.Escalated,
		m.SweepFailures,
		m.SweepCancelled,
	)

	return m
}

// Hooks returns monitor Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSweep: func(r *SweepResult) {
			m.SweepsTotal.Inc()
			m.SweepDuration.Observe(r.Duration.Seconds())
			m.AlertsChecked.Add(float64(r.Evaluated))
			m.Escalated.Add(float64(len(r.Escalated)))
			m.SweepFailures.Add(float64(r.Failed))
			if r.Cancelled {
				m.SweepCancelled.Inc()
			}
		},
	}
}
