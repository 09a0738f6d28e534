// Package analytics computes read-only dashboard and population aggregates
// over the alert store and workflow log.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// Window is the half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastDays returns the window of the given number of days ending at now.
func LastDays(now time.Time, days int) Window {
	return Window{Start: now.AddDate(0, 0, -days), End: now}
}

// ErrInvalidWindow marks a window rejected by Validate.
var ErrInvalidWindow = errors.New("invalid window")

// Validate rejects empty or inverted windows.
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidWindow, w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
	}
	return nil
}

// GroupBy selects the breakdown dimension for population analytics.
type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupCategory GroupBy = "category"
	GroupPriority GroupBy = "priority"
	GroupStatus   GroupBy = "status"
)

// ParseGroupBy validates a group-by dimension.
func ParseGroupBy(s string) (GroupBy, error) {
	switch g := GroupBy(s); g {
	case GroupNone, GroupCategory, GroupPriority, GroupStatus:
		return g, nil
	default:
		return "", fmt.Errorf("invalid group_by %q (must be category, priority or status)", s)
	}
}

// Reader is the read-only view of the store the aggregator needs.
type Reader interface {
	List(ctx context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error)
	ListEvents(ctx context.Context, f alerting.EventFilter) ([]*alerting.WorkflowEvent, error)
	ListAssessments(ctx context.Context, from, to time.Time) ([]*alerting.Assessment, error)
}

// TrendSource supplies the most recent predictive trend snapshot, if any.
type TrendSource interface {
	Latest() *alerting.PopulationTrends
}

// DashboardMetrics is the headline view over a window.
type DashboardMetrics struct {
	Window             Window  `json:"window"`
	Assessments        int     `json:"assessments"`
	CriticalAlerts     int     `json:"critical_alerts"`
	ActiveAlerts       int     `json:"active_alerts"`
	BreachedActive     int     `json:"sla_breached_active"`
	InterventionsToday int     `json:"interventions_today"`
	CreatedInWindow    int     `json:"created_in_window"`
	ResolvedInWindow   int     `json:"resolved_in_window"`
	ResolutionRate     float64 `json:"resolution_rate"`
}

// RiskDistribution is the histogram of assessment scores by bucket.
type RiskDistribution struct {
	Window    Window                      `json:"window"`
	Total     int                         `json:"total"`
	Counts    map[alerting.Bucket]int     `json:"counts"`
	Fractions map[alerting.Bucket]float64 `json:"fractions"`
}

// Effectiveness summarizes resolution outcomes.
type Effectiveness struct {
	Window              Window  `json:"window"`
	TotalResolved       int     `json:"total_resolved"`
	Successful          int     `json:"successful"`
	PartiallySuccessful int     `json:"partially_successful"`
	Unsuccessful        int     `json:"unsuccessful"`
	SuccessRate         float64 `json:"success_rate"`
	PartialRate         float64 `json:"partial_rate"`
	UnsuccessfulRate    float64 `json:"unsuccessful_rate"`
}

// PopulationSummary reports assessment coverage of the beneficiary population.
type PopulationSummary struct {
	Window                Window  `json:"window"`
	BeneficiariesAssessed int     `json:"beneficiaries_assessed"`
	TotalPopulation       int     `json:"total_population"`
	CoverageRate          float64 `json:"coverage_rate"`
}

// Group is one row of a group-by breakdown over alerts created in the window.
type Group struct {
	Key            string  `json:"key"`
	Created        int     `json:"created"`
	Active         int     `json:"active"`
	Resolved       int     `json:"resolved"`
	Breached       int     `json:"sla_breached"`
	Successful     int     `json:"successful"`
	ResolutionRate float64 `json:"resolution_rate"`
}

// Summary is the full population analytics view.
type Summary struct {
	Window        Window                     `json:"window"`
	GroupBy       GroupBy                    `json:"group_by,omitempty"`
	Dashboard     *DashboardMetrics          `json:"dashboard"`
	Distribution  *RiskDistribution          `json:"risk_distribution"`
	Effectiveness *Effectiveness             `json:"intervention_effectiveness"`
	Population    *PopulationSummary         `json:"population"`
	Groups        []Group                    `json:"groups,omitempty"`
	Trends        *alerting.PopulationTrends `json:"trends,omitempty"`
	GeneratedAt   time.Time                  `json:"generated_at"`
}

// Service is the analytics surface exposed to transports.
type Service interface {
	Dashboard(ctx context.Context, w Window) (*DashboardMetrics, error)
	PopulationAnalytics(ctx context.Context, w Window, groupBy GroupBy) (*Summary, error)
}

// Aggregator computes analytics directly from the store. It never writes.
type Aggregator struct {
	reader     Reader
	population alerting.PopulationSource
	clock      alerting.Clock
	trends     atomic.Pointer[trendSourceHolder]
}

type trendSourceHolder struct{ TrendSource }

// NewAggregator creates an aggregator. population and clock may be nil.
func NewAggregator(reader Reader, population alerting.PopulationSource, clock alerting.Clock) *Aggregator {
	if clock == nil {
		clock = alerting.SystemClock
	}
	return &Aggregator{reader: reader, population: population, clock: clock}
}

// SetTrendSource attaches a predictive trend snapshot to population summaries.
func (a *Aggregator) SetTrendSource(src TrendSource) {
	if src == nil {
		a.trends.Store(nil)
		return
	}
	a.trends.Store(&trendSourceHolder{src})
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Dashboard computes the headline metrics for w.
func (a *Aggregator) Dashboard(ctx context.Context, w Window) (*DashboardMetrics, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	assessments, err := a.reader.ListAssessments(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	created, err := a.reader.List(ctx, alerting.AlertFilter{CreatedFrom: w.Start, CreatedTo: w.End})
	if err != nil {
		return nil, fmt.Errorf("list created alerts: %w", err)
	}
	active, err := a.reader.List(ctx, alerting.AlertFilter{Statuses: alerting.OpenStatuses})
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	resolved, err := a.reader.ListEvents(ctx, alerting.EventFilter{
		Actions: []alerting.ActionType{alerting.ActionResolved},
		From:    w.Start,
		To:      w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list resolved events: %w", err)
	}

	dayStart := w.End.UTC().Truncate(24 * time.Hour)
	planned, err := a.reader.ListEvents(ctx, alerting.EventFilter{
		Actions: []alerting.ActionType{alerting.ActionInterventionPlanned},
		From:    dayStart,
		To:      w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list intervention events: %w", err)
	}

	m := &DashboardMetrics{
		Window:             w,
		Assessments:        len(assessments),
		ActiveAlerts:       len(active),
		InterventionsToday: len(planned),
		CreatedInWindow:    len(created),
		ResolvedInWindow:   len(resolved),
		ResolutionRate:     ratio(len(resolved), len(created)),
	}
	for _, al := range created {
		if al.Priority == alerting.PriorityCritical || al.Priority == alerting.PriorityEmergency {
			m.CriticalAlerts++
		}
	}
	for _, al := range active {
		if al.SLABreached {
			m.BreachedActive++
		}
	}
	return m, nil
}

// RiskDistribution buckets the overall scores of assessments in w.
func (a *Aggregator) RiskDistribution(ctx context.Context, w Window) (*RiskDistribution, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	assessments, err := a.reader.ListAssessments(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}

	d := &RiskDistribution{
		Window:    w,
		Total:     len(assessments),
		Counts:    make(map[alerting.Bucket]int, len(alerting.Buckets)),
		Fractions: make(map[alerting.Bucket]float64, len(alerting.Buckets)),
	}
	for _, b := range alerting.Buckets {
		d.Counts[b] = 0
	}
	for _, as := range assessments {
		d.Counts[alerting.Classify(as.Overall)]++
	}
	for _, b := range alerting.Buckets {
		d.Fractions[b] = ratio(d.Counts[b], d.Total)
	}
	return d, nil
}

// Effectiveness summarizes outcomes of resolutions in w.
func (a *Aggregator) Effectiveness(ctx context.Context, w Window) (*Effectiveness, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	resolved, err := a.reader.ListEvents(ctx, alerting.EventFilter{
		Actions: []alerting.ActionType{alerting.ActionResolved},
		From:    w.Start,
		To:      w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("list resolved events: %w", err)
	}

	e := &Effectiveness{Window: w, TotalResolved: len(resolved)}
	for _, ev := range resolved {
		switch ev.Outcome {
		case alerting.OutcomeSuccessful:
			e.Successful++
		case alerting.OutcomePartiallySuccessful:
			e.PartiallySuccessful++
		case alerting.OutcomeUnsuccessful:
			e.Unsuccessful++
		}
	}
	e.SuccessRate = ratio(e.Successful, e.TotalResolved)
	e.PartialRate = ratio(e.PartiallySuccessful, e.TotalResolved)
	e.UnsuccessfulRate = ratio(e.Unsuccessful, e.TotalResolved)
	return e, nil
}

// PopulationSummary computes the share of the population assessed in w.
func (a *Aggregator) PopulationSummary(ctx context.Context, w Window) (*PopulationSummary, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	assessments, err := a.reader.ListAssessments(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	seen := make(map[string]struct{}, len(assessments))
	for _, as := range assessments {
		seen[as.BeneficiaryID] = struct{}{}
	}

	p := &PopulationSummary{Window: w, BeneficiariesAssessed: len(seen)}
	if a.population != nil {
		total, err := a.population.TotalBeneficiaries(ctx)
		if err != nil {
			return nil, fmt.Errorf("population size: %w", err)
		}
		p.TotalPopulation = total
	}
	p.CoverageRate = ratio(p.BeneficiariesAssessed, p.TotalPopulation)
	return p, nil
}

// PopulationAnalytics combines every aggregate for w plus an optional group-by
// breakdown and the latest predictive trend snapshot.
func (a *Aggregator) PopulationAnalytics(ctx context.Context, w Window, groupBy GroupBy) (*Summary, error) {
	if _, err := ParseGroupBy(string(groupBy)); err != nil {
		return nil, err
	}

	s := &Summary{Window: w, GroupBy: groupBy, GeneratedAt: a.clock.Now()}
	var err error
	if s.Dashboard, err = a.Dashboard(ctx, w); err != nil {
		return nil, err
	}
	if s.Distribution, err = a.RiskDistribution(ctx, w); err != nil {
		return nil, err
	}
	if s.Effectiveness, err = a.Effectiveness(ctx, w); err != nil {
		return nil, err
	}
	if s.Population, err = a.PopulationSummary(ctx, w); err != nil {
		return nil, err
	}
	if groupBy != GroupNone {
		if s.Groups, err = a.groups(ctx, w, groupBy); err != nil {
			return nil, err
		}
	}
	if h := a.trends.Load(); h != nil {
		s.Trends = h.Latest()
	}
	return s, nil
}

func (a *Aggregator) groups(ctx context.Context, w Window, groupBy GroupBy) ([]Group, error) {
	created, err := a.reader.List(ctx, alerting.AlertFilter{CreatedFrom: w.Start, CreatedTo: w.End})
	if err != nil {
		return nil, fmt.Errorf("list created alerts: %w", err)
	}

	byKey := make(map[string]*Group)
	for _, al := range created {
		var key string
		switch groupBy {
		case GroupCategory:
			key = al.Category
		case GroupPriority:
			key = string(al.Priority)
		case GroupStatus:
			key = string(al.Status)
		}
		g, ok := byKey[key]
		if !ok {
			g = &Group{Key: key}
			byKey[key] = g
		}
		g.Created++
		if al.Status.Terminal() {
			g.Resolved++
			if al.Outcome == alerting.OutcomeSuccessful {
				g.Successful++
			}
		} else {
			g.Active++
		}
		if al.SLABreached {
			g.Breached++
		}
	}

	out := make([]Group, 0, len(byKey))
	for _, g := range byKey {
		g.ResolutionRate = ratio(g.Resolved, g.Created)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

var _ Service = (*Aggregator)(nil)
