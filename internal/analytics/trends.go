package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// TrendRefresher keeps the latest PopulationTrends snapshot so analytics reads
// never wait on the Predictive Service.
type TrendRefresher struct {
	svc      alerting.PredictiveService
	agg      *Aggregator
	clock    alerting.Clock
	logger   log.Logger
	interval time.Duration
	days     int
	onResult func(ok bool)

	latest atomic.Pointer[alerting.PopulationTrends]
}

// NewTrendRefresher refreshes over the trailing days window every interval.
func NewTrendRefresher(svc alerting.PredictiveService, agg *Aggregator, interval time.Duration, days int, clock alerting.Clock, logger log.Logger) *TrendRefresher {
	if clock == nil {
		clock = alerting.SystemClock
	}
	if logger == nil {
		logger = log.Nop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if days <= 0 {
		days = 30
	}
	return &TrendRefresher{svc: svc, agg: agg, clock: clock, logger: logger, interval: interval, days: days}
}

// OnResult registers a callback invoked after each refresh attempt.
func (r *TrendRefresher) OnResult(fn func(ok bool)) { r.onResult = fn }

// Latest returns the most recent snapshot or nil.
func (r *TrendRefresher) Latest() *alerting.PopulationTrends {
	return r.latest.Load()
}

// Refresh builds a trend request from current aggregates and stores the response.
// A failed refresh keeps the previous snapshot.
func (r *TrendRefresher) Refresh(ctx context.Context) error {
	err := r.refresh(ctx)
	if r.onResult != nil {
		r.onResult(err == nil)
	}
	return err
}

func (r *TrendRefresher) refresh(ctx context.Context) error {
	w := LastDays(r.clock.Now(), r.days)

	dash, err := r.agg.Dashboard(ctx, w)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	eff, err := r.agg.Effectiveness(ctx, w)
	if err != nil {
		return fmt.Errorf("effectiveness: %w", err)
	}
	dist, err := r.agg.RiskDistribution(ctx, w)
	if err != nil {
		return fmt.Errorf("risk distribution: %w", err)
	}
	groups, err := r.agg.groups(ctx, w, GroupCategory)
	if err != nil {
		return fmt.Errorf("category groups: %w", err)
	}

	req := alerting.TrendRequest{
		From: w.Start,
		To:   w.End,
		Aggregates: map[string]float64{
			"assessments":          float64(dash.Assessments),
			"active_alerts":        float64(dash.ActiveAlerts),
			"critical_alerts":      float64(dash.CriticalAlerts),
			"sla_breached_active":  float64(dash.BreachedActive),
			"resolution_rate":      dash.ResolutionRate,
			"success_rate":         eff.SuccessRate,
			"bucket_high_fraction": dist.Fractions[alerting.BucketHigh],
			"bucket_crit_fraction": dist.Fractions[alerting.BucketCritical],
		},
	}
	for _, g := range groups {
		req.Categories = append(req.Categories, g.Key)
		req.Aggregates["category."+g.Key+".created"] = float64(g.Created)
	}
	sort.Strings(req.Categories)

	trends, err := r.svc.PopulationTrends(ctx, req)
	if err != nil {
		return fmt.Errorf("population trends: %w", err)
	}
	if trends.GeneratedAt.IsZero() {
		trends.GeneratedAt = r.clock.Now()
	}
	r.latest.Store(trends)
	return nil
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (r *TrendRefresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error(ctx, err, "trend refresh failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error(ctx, err, "trend refresh failed")
			}
		}
	}
}
