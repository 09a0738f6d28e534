package alerting

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the alert workflow.
type Metrics struct {
	AlertsCreated      *prometheus.CounterVec
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	EscalationsTotal   *prometheus.CounterVec
	DispatchSent       *prometheus.CounterVec
	DispatchFailed     *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	DispatchDropped    prometheus.Counter
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_create_attempts_total",
			Help: "Alert create attempts by risk bucket and result.",
		}, []string{"bucket", "result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_transitions_total",
			Help: "Workflow transitions by action and result.",
		}, []string{"action", "result"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinalert_transition_duration_seconds",
			Help:    "Duration of workflow transitions including store round trips.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"action"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_escalations_total",
			Help: "SLA escalations by source and target priority.",
		}, []string{"from", "to"}),
		DispatchSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_dispatch_sent_total",
			Help: "Notifications delivered by sink.",
		}, []string{"sink"}),
		DispatchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_dispatch_failed_total",
			Help: "Notification delivery failures by sink.",
		}, []string{"sink"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinalert_dispatch_duration_seconds",
			Help:    "Duration of successful notification deliveries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"sink"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinalert_dispatch_dropped_total",
			Help: "Notifications dropped because the dispatch queue was full.",
		}),
	}

	reg.MustRegister(
		m.AlertsCreated,
		m.TransitionsTotal,
		m.TransitionDuration,
		m.EscalationsTotal,
		m.DispatchSent,
		m.DispatchFailed,
		m.DispatchDuration,
		m.DispatchDropped,
	)

	return m
}

// Hooks returns EngineHooks that increment the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnCreate: func(bucket Bucket, result string) {
			m.AlertsCreated.WithLabelValues(string(bucket), result).Inc()
		},
		OnTransition: func(action ActionType, result string, duration float64) {
			m.TransitionsTotal.WithLabelValues(string(action), result).Inc()
			m.TransitionDuration.WithLabelValues(string(action)).Observe(duration)
		},
		OnEscalate: func(from, to Priority) {
			m.EscalationsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
	}
}

// DispatchHooks returns DispatchHooks that increment the corresponding metrics.
func (m *Metrics) DispatchHooks() DispatchHooks {
	return DispatchHooks{
		OnSent: func(sink string, duration float64) {
			m.DispatchSent.WithLabelValues(sink).Inc()
			m.DispatchDuration.WithLabelValues(sink).Observe(duration)
		},
		OnFailed: func(sink string) {
			m.DispatchFailed.WithLabelValues(sink).Inc()
		},
		OnDropped: func() {
			m.DispatchDropped.Inc()
		},
	}
}
