// Package sla implements the SLA monitor: it evaluates open alerts against
// priority-indexed response windows and escalates the ones that breach.
package sla

import (
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// Policy holds the response windows per priority. Reescalate optionally sets a
// second threshold, measured from the last escalation, after which an already
// breached alert escalates again. Priorities without a window never breach.
type Policy struct {
	Windows    map[alerting.Priority]time.Duration
	Reescalate map[alerting.Priority]time.Duration
}

// DefaultPolicy returns the stock response windows with re-escalation disabled.
func DefaultPolicy() Policy {
	return Policy{
		Windows: map[alerting.Priority]time.Duration{
			alerting.PriorityEmergency: 15 * time.Minute,
			alerting.PriorityCritical:  4 * time.Hour,
			alerting.PriorityHigh:      24 * time.Hour,
			alerting.PriorityMedium:    72 * time.Hour,
			alerting.PriorityLow:       7 * 24 * time.Hour,
		},
		Reescalate: map[alerting.Priority]time.Duration{},
	}
}

// Validate rejects unknown priorities and non-positive durations.
func (p Policy) Validate() error {
	var errs []error
	if len(p.Windows) == 0 {
		errs = append(errs, errors.New("sla policy needs at least one window"))
	}
	for pr, d := range p.Windows {
		if !pr.Valid() {
			errs = append(errs, fmt.Errorf("invalid sla window priority %q", pr))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid sla window for %s: %s (must be > 0)", pr, d))
		}
	}
	for pr, d := range p.Reescalate {
		if !pr.Valid() {
			errs = append(errs, fmt.Errorf("invalid re-escalation priority %q", pr))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid re-escalation threshold for %s: %s (must be > 0)", pr, d))
		}
	}
	return errors.Join(errs...)
}

// Decision is the outcome of evaluating one alert.
type Decision struct {
	Escalate bool
	To       alerting.Priority
	Elapsed  time.Duration
	Window   time.Duration
}

// Evaluate decides whether a should escalate at now.
//
// An alert not yet breached escalates once its age exceeds the window for its
// priority. A breached alert escalates again only if a re-escalation threshold
// is configured for its current priority, the time since the last escalation
// exceeds it, and the priority can still rise.
func (p Policy) Evaluate(a *alerting.Alert, now time.Time) Decision {
	if a.Status.Terminal() {
		return Decision{}
	}

	if !a.SLABreached {
		window, ok := p.Windows[a.Priority]
		if !ok || window <= 0 {
			return Decision{}
		}
		elapsed := now.Sub(a.CreatedAt)
		if elapsed <= window {
			return Decision{}
		}
		return Decision{Escalate: true, To: a.Priority.Next(), Elapsed: elapsed, Window: window}
	}

	threshold, ok := p.Reescalate[a.Priority]
	if !ok || threshold <= 0 || a.Priority.Next() == a.Priority {
		return Decision{}
	}
	since := a.CreatedAt
	if a.EscalatedAt != nil {
		since = *a.EscalatedAt
	}
	elapsed := now.Sub(since)
	if elapsed <= threshold {
		return Decision{}
	}
	return Decision{Escalate: true, To: a.Priority.Next(), Elapsed: elapsed, Window: threshold}
}
