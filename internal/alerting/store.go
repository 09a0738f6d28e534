package alerting

import (
	"context"
	"time"
)

// AlertFilter narrows List results. Zero values match everything.
type AlertFilter struct {
	BeneficiaryID string
	Category      string
	Statuses      []Status
	Priorities    []Priority
	CreatedFrom   time.Time
	CreatedTo     time.Time
	Limit         int
}

// EventFilter narrows ListEvents results. Zero values match everything.
type EventFilter struct {
	Actions []ActionType
	From    time.Time
	To      time.Time
}

// AlertStore is the durable collection of alerts. Every mutation co-commits
// exactly one WorkflowEvent.
type AlertStore interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)

	// FindOpen returns the non-resolved alert for beneficiary+category, if any.
	FindOpen(ctx context.Context, beneficiaryID, category string) (*Alert, bool, error)

	List(ctx context.Context, f AlertFilter) ([]*Alert, error)

	// Create inserts a new alert and its created event atomically.
	// Returns ErrDuplicateOpen if an open alert already covers beneficiary+category.
	Create(ctx context.Context, a *Alert, ev *WorkflowEvent) error

	// Apply replaces the alert and appends ev atomically, but only if the stored
	// version equals expectedVersion and the stored alert is not resolved.
	// Returns ErrVersionConflict otherwise.
	Apply(ctx context.Context, a *Alert, expectedVersion int64, ev *WorkflowEvent) error
}

// WorkflowLog is the append-only audit ledger. Appends happen only through AlertStore.
type WorkflowLog interface {
	// Events returns the alert's events ordered by seq.
	Events(ctx context.Context, alertID string) ([]*WorkflowEvent, error)

	ListEvents(ctx context.Context, f EventFilter) ([]*WorkflowEvent, error)
}

// AssessmentLog records every scored questionnaire, alerting or not.
type AssessmentLog interface {
	// RecordAssessment is idempotent per questionnaire id.
	RecordAssessment(ctx context.Context, a *Assessment) error

	ListAssessments(ctx context.Context, from, to time.Time) ([]*Assessment, error)
}

// Store is the full persistence contract.
type Store interface {
	AlertStore
	WorkflowLog
	AssessmentLog
}
