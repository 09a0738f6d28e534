package sla

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

const (
	DefaultInterval    = time.Minute
	DefaultParallelism = 4
)

// Escalator is the slice of the engine the monitor needs.
type Escalator interface {
	OpenAlerts(ctx context.Context) ([]*alerting.Alert, error)
	Escalate(ctx context.Context, req alerting.EscalateRequest) (*alerting.Alert, error)
}

// Config controls the sweep cadence and fan-out.
type Config struct {
	Policy      Policy
	Interval    time.Duration
	Parallelism int
}

// Hooks are optional callbacks for sweep observability.
type Hooks struct {
	OnSweep func(r *SweepResult)
}

// SweepResult summarizes one pass over the open alerts.
type SweepResult struct {
	Evaluated int           `json:"evaluated"`
	Escalated []string      `json:"escalated"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Monitor periodically sweeps open alerts and escalates SLA breaches.
type Monitor struct {
	engine      Escalator
	policy      Policy
	interval    time.Duration
	parallelism int
	clock       alerting.Clock
	logger      log.Logger
	hooks       Hooks
}

// NewMonitor creates a monitor. Zero Interval and Parallelism use the defaults.
func NewMonitor(engine Escalator, cfg Config, clock alerting.Clock, logger log.Logger, hooks Hooks) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if clock == nil {
		clock = alerting.SystemClock
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Monitor{
		engine:      engine,
		policy:      cfg.Policy,
		interval:    cfg.Interval,
		parallelism: cfg.Parallelism,
		clock:       clock,
		logger:      logger,
		hooks:       hooks,
	}
}

// Sweep evaluates every open alert at now. Per-alert failures are logged and
// counted but never abort the sweep. Cancelling ctx stops scheduling new
// alerts; evaluations already started run to completion.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	start := time.Now()

	alerts, err := m.engine.OpenAlerts(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		res = &SweepResult{Escalated: []string{}}
		g   errgroup.Group
	)
	g.SetLimit(m.parallelism)

	for _, a := range alerts {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		g.Go(func() error {
			escalated, skipped, failed := m.evaluate(ctx, a, now)
			mu.Lock()
			defer mu.Unlock()
			res.Evaluated++
			switch {
			case escalated:
				res.Escalated = append(res.Escalated, a.ID)
			case skipped:
				res.Skipped++
			case failed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(res.Escalated)
	res.Duration = time.Since(start)

	if m.hooks.OnSweep != nil {
		m.hooks.OnSweep(res)
	}
	m.logger.Info(ctx, "sla sweep complete",
		"open", len(alerts),
		"evaluated", res.Evaluated,
		"escalated", len(res.Escalated),
		"skipped", res.Skipped,
		"failed", res.Failed,
		"cancelled", res.Cancelled,
		"duration", res.Duration,
	)
	return res, nil
}

// evaluate applies the policy to one alert. The escalation itself is not
// cancellable once started.
func (m *Monitor) evaluate(ctx context.Context, a *alerting.Alert, now time.Time) (escalated, skipped, failed bool) {
	d := m.policy.Evaluate(a, now)
	if !d.Escalate {
		return false, false, false
	}

	_, err := m.engine.Escalate(context.WithoutCancel(ctx), alerting.EscalateRequest{
		AlertID:       a.ID,
		To:            d.To,
		ExpectedLevel: a.EscalationLevel,
		Elapsed:       d.Elapsed,
		Window:        d.Window,
	})
	switch {
	case err == nil:
		return true, false, false
	case errors.Is(err, alerting.ErrInvalidTransition):
		// resolved or escalated by someone else since the snapshot
		return false, true, false
	default:
		m.logger.Error(ctx, err, "sla escalation failed",
			"alert_id", a.ID,
			"priority", a.Priority,
			"elapsed", d.Elapsed,
		)
		return false, false, true
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info(ctx, "sla monitor started", "interval", m.interval, "parallelism", m.parallelism)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx, m.clock.Now()); err != nil && ctx.Err() == nil {
				m.logger.Error(ctx, err, "sla sweep failed")
			}
		}
	}
}
