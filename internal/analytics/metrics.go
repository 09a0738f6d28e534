package analytics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for analytics reads.
type Metrics struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheErrors    *prometheus.CounterVec
	TrendRefreshes *prometheus.CounterVec
}

// NewMetrics registers and returns analytics metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_analytics_cache_hits_total",
			Help: "Analytics cache hits by aggregate kind.",
		}, []string{"kind"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_analytics_cache_misses_total",
			Help: "Analytics cache misses by aggregate kind.",
		}, []string{"kind"}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_analytics_cache_errors_total",
			Help: "Analytics cache backend errors by aggregate kind.",
		}, []string{"kind"}),
		TrendRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinalert_trend_refreshes_total",
			Help: "Predictive trend refreshes by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.CacheHits, m.CacheMisses, m.CacheErrors, m.TrendRefreshes)
	return m
}

// CacheHooks returns CacheHooks that increment the corresponding metrics.
func (m *Metrics) CacheHooks() CacheHooks {
	return CacheHooks{
		OnHit:   func(kind string) { m.CacheHits.WithLabelValues(kind).Inc() },
		OnMiss:  func(kind string) { m.CacheMisses.WithLabelValues(kind).Inc() },
		OnError: func(kind string) { m.CacheErrors.WithLabelValues(kind).Inc() },
	}
}

// TrendResult records a refresh outcome.
func (m *Metrics) TrendResult(ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.TrendRefreshes.WithLabelValues(result).Inc()
}
