package alerting

import (
	"fmt"
	"slices"
	"time"
)

// Status tracks where an alert is in its clinical response lifecycle.
type Status string

const (
	// StatusPending means created, nobody has looked at it yet
	StatusPending Status = "pending"

	// StatusAcknowledged means a clinician has taken ownership
	StatusAcknowledged Status = "acknowledged"

	// StatusInProgress means an intervention has been planned
	StatusInProgress Status = "in_progress"

	// StatusResolved is terminal
	StatusResolved Status = "resolved"
)

// OpenStatuses lists every non-terminal status.
var OpenStatuses = []Status{StatusPending, StatusAcknowledged, StatusInProgress}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusResolved }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusResolved || slices.Contains(OpenStatuses, s)
}

// Priority is the clinical urgency of an alert.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityCritical  Priority = "critical"
	PriorityEmergency Priority = "emergency"
)

var priorityOrder = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical, PriorityEmergency}

// Rank orders priorities from 0 (low) to 4 (emergency). Unknown values rank -1.
func (p Priority) Rank() int { return slices.Index(priorityOrder, p) }

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Next returns the priority one step up the escalation ladder. Emergency is the ceiling.
func (p Priority) Next() Priority {
	r := p.Rank()
	if r < 0 || r == len(priorityOrder)-1 {
		return p
	}
	return priorityOrder[r+1]
}

// ParsePriority converts a string to a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Outcome classifies how a resolved alert ended for the beneficiary.
type Outcome string

const (
	OutcomeSuccessful          Outcome = "successful"
	OutcomePartiallySuccessful Outcome = "partially_successful"
	OutcomeUnsuccessful        Outcome = "unsuccessful"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccessful, OutcomePartiallySuccessful, OutcomeUnsuccessful:
		return true
	}
	return false
}

// ActionType names the transition or clinical action a WorkflowEvent records.
type ActionType string

const (
	ActionCreated             ActionType = "created"
	ActionAcknowledged        ActionType = "acknowledged"
	ActionInterventionPlanned ActionType = "intervention_planned"
	ActionResolved            ActionType = "resolved"
	ActionSLAEscalation       ActionType = "sla_escalation"
)

// Actor is the pre-authenticated principal performing an operation.
// Authorization happens at the boundary; the engine only records ID.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the actor carries any of the given roles.
func (a Actor) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(a.Roles, r) {
			return true
		}
	}
	return false
}

// SystemActorSLA is recorded as performedBy on escalations.
const SystemActorSLA = "system:sla-monitor"

// RiskScore is the Risk Scorer's output for one completed questionnaire.
type RiskScore struct {
	Overall    float64            `json:"overall"`
	Categories map[string]float64 `json:"categories,omitempty"`
}

// Alert is one tracked clinical concern (a ClinicalAlert).
type Alert struct {
	ID              string       `json:"id"`
	BeneficiaryID   string       `json:"beneficiary_id"`
	QuestionnaireID string       `json:"questionnaire_id,omitempty"`
	Category        string       `json:"category"`
	Priority        Priority     `json:"priority"`
	Status          Status       `json:"status"`
	RiskSnapshot    RiskSnapshot `json:"risk_snapshot"`

	SLABreached     bool       `json:"sla_breached"`
	EscalationLevel int        `json:"escalation_level"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`

	AssignedTo      string     `json:"assigned_to,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	Outcome         Outcome    `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version increments once per applied transition and doubles as the
	// optimistic concurrency token.
	Version int64 `json:"version"`
}

// Open reports whether the alert is still awaiting resolution.
func (a *Alert) Open() bool { return !a.Status.Terminal() }

// Clone returns a deep copy so callers never share mutable state with a store.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.RiskSnapshot = a.RiskSnapshot.clone()
	cp.EscalatedAt = cloneTime(a.EscalatedAt)
	cp.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	cp.ResolvedAt = cloneTime(a.ResolvedAt)
	return &cp
}

// WorkflowEvent is one immutable audit record of a transition or clinical action.
type WorkflowEvent struct {
	ID             string             `json:"id"`
	AlertID        string             `json:"alert_id"`
	BeneficiaryID  string             `json:"beneficiary_id"`
	Seq            int64              `json:"seq"`
	Action         ActionType         `json:"action_type"`
	PerformedBy    string             `json:"performed_by"`
	PerformedAt    time.Time          `json:"performed_at"`
	Notes          string             `json:"notes,omitempty"`
	Metadata       Metadata           `json:"metadata"`
	Outcome        Outcome            `json:"outcome,omitempty"`
	OutcomeMetrics map[string]float64 `json:"outcome_metrics,omitempty"`
	NextReviewDate *time.Time         `json:"next_review_date,omitempty"`
	AssignedToNext string             `json:"assigned_to_next,omitempty"`
}

// Clone returns a deep copy of the event.
func (e *WorkflowEvent) Clone() *WorkflowEvent {
	cp := *e
	cp.Metadata = e.Metadata.clone()
	cp.NextReviewDate = cloneTime(e.NextReviewDate)
	if e.OutcomeMetrics != nil {
		cp.OutcomeMetrics = make(map[string]float64, len(e.OutcomeMetrics))
		for k, v := range e.OutcomeMetrics {
			cp.OutcomeMetrics[k] = v
		}
	}
	return &cp
}

// Assessment is one scored questionnaire, recorded whether or not it alerted.
type Assessment struct {
	QuestionnaireID string             `json:"questionnaire_id"`
	BeneficiaryID   string             `json:"beneficiary_id"`
	Overall         float64            `json:"overall"`
	Bucket          Bucket             `json:"bucket"`
	Categories      map[string]float64 `json:"categories,omitempty"`
	ScoredAt        time.Time          `json:"scored_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
