package alerting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
)

const (
	// maxApplyAttempts bounds reload-and-retry after losing a version race.
	// A retry re-validates against the winner's state, so the usual outcome
	// of a lost race is ErrInvalidTransition.
	maxApplyAttempts = 3

	// SystemActorIngest is recorded as performedBy on alerts created from assessments.
	SystemActorIngest = "system:risk-ingest"

	// DefaultCategory is used when a score carries no category breakdown.
	DefaultCategory = "general"
)

// EngineHooks are optional callbacks for observability.
type EngineHooks struct {
	OnCreate     func(bucket Bucket, result string)
	OnTransition func(action ActionType, result string, duration float64)
	OnEscalate   func(from, to Priority)
}

// Publisher receives committed workflow events for asynchronous fan-out.
// Publish must not block.
type Publisher interface {
	Publish(ctx context.Context, n *Notification)
}

// Engine is the alert workflow state machine. It is the only writer of alerts
// and workflow events.
type Engine struct {
	store     Store
	scorer    RiskScorer
	publisher Publisher
	clock     Clock
	logger    log.Logger
	hooks     EngineHooks
}

// NewEngine creates an engine over store. scorer, publisher and clock may be nil;
// a nil clock uses SystemClock.
func NewEngine(store Store, scorer RiskScorer, publisher Publisher, clock Clock, logger log.Logger, hooks EngineHooks) *Engine {
	if store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		store:     store,
		scorer:    scorer,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
		hooks:     hooks,
	}
}

// CreateRequest describes an already-scored assessment.
type CreateRequest struct {
	BeneficiaryID   string
	QuestionnaireID string
	Category        string
	Score           RiskScore
	// PerformedBy defaults to SystemActorIngest.
	PerformedBy string
}

// CreateResult is the outcome of a create attempt. ID is set for new alerts and
// for duplicates, where it names the already-open alert.
type CreateResult struct {
	ID      string
	Skipped bool
	Reason  string
	Bucket  Bucket
}

const (
	ReasonBelowThreshold = "below threshold"
	ReasonDuplicate      = "duplicate"
)

// CreateAlert opens a pending alert if the score buckets at high or above and
// no open alert already covers the beneficiary and category.
func (e *Engine) CreateAlert(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "create"

	if strings.TrimSpace(req.BeneficiaryID) == "" {
		return nil, e.createFailed(BucketLow, validationf(op, "", "beneficiary id is required"))
	}
	if math.IsNaN(req.Score.Overall) || math.IsInf(req.Score.Overall, 0) || req.Score.Overall < 0 {
		return nil, e.createFailed(BucketLow, validationf(op, "", "risk score must be a non-negative number, got %v", req.Score.Overall))
	}
	category := req.Category
	if category == "" {
		category = DominantCategory(req.Score.Categories)
	}

	bucket := Classify(req.Score.Overall)
	if !bucket.Alerts() {
		e.onCreate(bucket, "below_threshold")
		return &CreateResult{Skipped: true, Reason: ReasonBelowThreshold, Bucket: bucket}, nil
	}

	if existing, ok, err := e.store.FindOpen(ctx, req.BeneficiaryID, category); err != nil {
		return nil, e.createFailed(bucket, newError(ErrPersistence, op, "", err))
	} else if ok {
		e.onCreate(bucket, "duplicate")
		return &CreateResult{ID: existing.ID, Skipped: true, Reason: ReasonDuplicate, Bucket: bucket}, nil
	}

	performedBy := req.PerformedBy
	if performedBy == "" {
		performedBy = SystemActorIngest
	}

	now := e.clock.Now()
	snap := RiskSnapshot{Overall: req.Score.Overall, Categories: req.Score.Categories, Bucket: bucket}.clone()
	a := &Alert{
		ID:              ulid.Make().String(),
		BeneficiaryID:   req.BeneficiaryID,
		QuestionnaireID: req.QuestionnaireID,
		Category:        category,
		Priority:        bucket.Priority(),
		Status:          StatusPending,
		RiskSnapshot:    snap,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	riskMeta := snap.clone()
	ev := e.newEvent(a, ActionCreated, performedBy, now)
	ev.Metadata.Risk = &riskMeta

	if err := e.store.Create(ctx, a, ev); err != nil {
		if errors.Is(err, ErrDuplicateOpen) {
			// lost a create race; report the winner
			if existing, ok, ferr := e.store.FindOpen(ctx, req.BeneficiaryID, category); ferr == nil && ok {
				e.onCreate(bucket, "duplicate")
				return &CreateResult{ID: existing.ID, Skipped: true, Reason: ReasonDuplicate, Bucket: bucket}, nil
			}
			return nil, e.createFailed(bucket, newError(ErrConcurrencyConflict, op, "", err))
		}
		return nil, e.createFailed(bucket, newError(ErrPersistence, op, "", err))
	}

	e.onCreate(bucket, "created")
	e.logger.Info(ctx, "alert created",
		"alert_id", a.ID,
		"beneficiary_id", a.BeneficiaryID,
		"category", a.Category,
		"priority", a.Priority,
		"score", a.RiskSnapshot.Overall,
	)
	e.publish(ctx, a, ev)

	return &CreateResult{ID: a.ID, Bucket: bucket}, nil
}

// CreateAlertFromAssessment scores a completed questionnaire, records the
// assessment for analytics and creates an alert for its dominant category when
// the score warrants one. This is the only operation that waits on an external
// service.
func (e *Engine) CreateAlertFromAssessment(ctx context.Context, beneficiaryID, questionnaireID string) (*CreateResult, error) {
	const op = "create_from_assessment"

	if strings.TrimSpace(beneficiaryID) == "" || strings.TrimSpace(questionnaireID) == "" {
		return nil, validationf(op, "", "beneficiary id and questionnaire id are required")
	}
	if e.scorer == nil {
		return nil, newError(ErrUnavailable, op, "", errors.New("no risk scorer configured"))
	}

	score, err := e.scorer.Score(ctx, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("score questionnaire %s: %w", questionnaireID, err)
	}

	if err := e.store.RecordAssessment(ctx, &Assessment{
		QuestionnaireID: questionnaireID,
		BeneficiaryID:   beneficiaryID,
		Overall:         score.Overall,
		Bucket:          Classify(score.Overall),
		Categories:      score.Categories,
		ScoredAt:        e.clock.Now(),
	}); err != nil {
		return nil, newError(ErrPersistence, op, "", err)
	}

	return e.CreateAlert(ctx, CreateRequest{
		BeneficiaryID:   beneficiaryID,
		QuestionnaireID: questionnaireID,
		Category:        DominantCategory(score.Categories),
		Score:           *score,
	})
}

// DominantCategory returns the highest scoring category, ties broken by name.
func DominantCategory(categories map[string]float64) string {
	if len(categories) == 0 {
		return DefaultCategory
	}
	names := make([]string, 0, len(categories))
	for k := range categories {
		names = append(names, k)
	}
	sort.Strings(names)
	best := names[0]
	for _, n := range names[1:] {
		if categories[n] > categories[best] {
			best = n
		}
	}
	return best
}

// Acknowledge moves a pending alert to acknowledged.
func (e *Engine) Acknowledge(ctx context.Context, alertID string, actor Actor) (*Alert, error) {
	const op = "acknowledge"
	if actor.ID == "" {
		return nil, e.transitionFailed(ActionAcknowledged, validationf(op, alertID, "actor is required"), time.Now())
	}

	return e.transition(ctx, op, alertID, ActionAcknowledged, actor.ID, func(a *Alert, ev *WorkflowEvent, now time.Time) error {
		if a.Status != StatusPending {
			return newError(ErrInvalidTransition, op, a.ID, fmt.Errorf("status is %s", a.Status))
		}
		a.Status = StatusAcknowledged
		a.AcknowledgedBy = actor.ID
		a.AcknowledgedAt = &now
		return nil
	})
}

// InterventionRequest is the input to PlanIntervention.
type InterventionRequest struct {
	Intervention   Intervention
	AssignTo       string
	Notes          string
	NextReviewDate *time.Time
}

// PlanIntervention records a planned intervention and moves the alert to in_progress.
func (e *Engine) PlanIntervention(ctx context.Context, alertID string, actor Actor, req InterventionRequest) (*Alert, error) {
	const op = "plan_intervention"
	start := time.Now()
	if actor.ID == "" {
		return nil, e.transitionFailed(ActionInterventionPlanned, validationf(op, alertID, "actor is required"), start)
	}
	if err := req.Intervention.Validate(); err != nil {
		return nil, e.transitionFailed(ActionInterventionPlanned, newError(ErrValidation, op, alertID, err), start)
	}

	return e.transition(ctx, op, alertID, ActionInterventionPlanned, actor.ID, func(a *Alert, ev *WorkflowEvent, now time.Time) error {
		if a.Status != StatusPending && a.Status != StatusAcknowledged {
			return newError(ErrInvalidTransition, op, a.ID, fmt.Errorf("status is %s", a.Status))
		}
		a.Status = StatusInProgress
		if req.AssignTo != "" {
			a.AssignedTo = req.AssignTo
		}

		iv := req.Intervention
		iv.ResourcesNeeded = append([]string(nil), req.Intervention.ResourcesNeeded...)
		ev.Metadata.Intervention = &iv
		ev.Notes = req.Notes
		ev.AssignedToNext = req.AssignTo
		ev.NextReviewDate = cloneTime(req.NextReviewDate)
		return nil
	})
}

// ResolveRequest is the input to Resolve. Notes and Outcome are required.
type ResolveRequest struct {
	Notes          string
	Outcome        Outcome
	Metrics        map[string]float64
	NextReviewDate *time.Time
}

// Resolve closes an alert from any non-terminal status.
func (e *Engine) Resolve(ctx context.Context, alertID string, actor Actor, req ResolveRequest) (*Alert, error) {
	const op = "resolve"
	start := time.Now()
	var errs []error
	if actor.ID == "" {
		errs = append(errs, errors.New("actor is required"))
	}
	if strings.TrimSpace(req.Notes) == "" {
		errs = append(errs, errors.New("resolution notes are required"))
	}
	if !req.Outcome.Valid() {
		errs = append(errs, fmt.Errorf("outcome must be one of successful, partially_successful, unsuccessful (got %q)", req.Outcome))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, e.transitionFailed(ActionResolved, newError(ErrValidation, op, alertID, err), start)
	}

	return e.transition(ctx, op, alertID, ActionResolved, actor.ID, func(a *Alert, ev *WorkflowEvent, now time.Time) error {
		if a.Status.Terminal() {
			return newError(ErrInvalidTransition, op, a.ID, errors.New("alert is already resolved"))
		}
		a.Status = StatusResolved
		a.ResolvedBy = actor.ID
		a.ResolvedAt = &now
		a.ResolutionNotes = req.Notes
		a.Outcome = req.Outcome

		ev.Notes = req.Notes
		ev.Outcome = req.Outcome
		if len(req.Metrics) > 0 {
			ev.OutcomeMetrics = make(map[string]float64, len(req.Metrics))
			for k, v := range req.Metrics {
				ev.OutcomeMetrics[k] = v
			}
		}
		ev.NextReviewDate = cloneTime(req.NextReviewDate)
		return nil
	})
}

// EscalateRequest is the privileged SLA escalation input. ExpectedLevel is the
// escalation level the caller observed; the escalation applies only if the
// alert is still at that level, so concurrent sweeps escalate once.
type EscalateRequest struct {
	AlertID       string
	To            Priority
	ExpectedLevel int
	Elapsed       time.Duration
	Window        time.Duration
}

// Escalate flags an SLA breach and raises priority. Only the SLA monitor calls it.
func (e *Engine) Escalate(ctx context.Context, req EscalateRequest) (*Alert, error) {
	const op = "escalate"
	if !req.To.Valid() {
		return nil, e.transitionFailed(ActionSLAEscalation, validationf(op, req.AlertID, "unknown priority %q", req.To), time.Now())
	}

	var from Priority
	a, err := e.transition(ctx, op, req.AlertID, ActionSLAEscalation, SystemActorSLA, func(a *Alert, ev *WorkflowEvent, now time.Time) error {
		if a.Status.Terminal() {
			return newError(ErrInvalidTransition, op, a.ID, errors.New("alert is already resolved"))
		}
		if a.EscalationLevel != req.ExpectedLevel {
			return newError(ErrInvalidTransition, op, a.ID,
				fmt.Errorf("escalation level is %d, expected %d", a.EscalationLevel, req.ExpectedLevel))
		}
		if req.To.Rank() < a.Priority.Rank() {
			return newError(ErrValidation, op, a.ID, fmt.Errorf("cannot lower priority from %s to %s", a.Priority, req.To))
		}

		from = a.Priority
		a.Priority = req.To
		a.SLABreached = true
		a.EscalationLevel++
		a.EscalatedAt = &now

		ev.Metadata.Escalation = &EscalationDetail{
			FromPriority: from,
			ToPriority:   req.To,
			Level:        a.EscalationLevel,
			ElapsedSec:   int64(req.Elapsed / time.Second),
			WindowSec:    int64(req.Window / time.Second),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.hooks.OnEscalate != nil {
		e.hooks.OnEscalate(from, a.Priority)
	}
	return a, nil
}

// GetAlert returns one alert.
func (e *Engine) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	a, ok, err := e.store.Get(ctx, alertID)
	if err != nil {
		return nil, newError(ErrPersistence, "get", alertID, err)
	}
	if !ok {
		return nil, newError(ErrAlertNotFound, "get", alertID, nil)
	}
	return a, nil
}

// ListAlerts returns alerts matching f, newest first.
func (e *Engine) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, validationf("list", "", "unknown status %q", s)
		}
	}
	for _, p := range f.Priorities {
		if !p.Valid() {
			return nil, validationf("list", "", "unknown priority %q", p)
		}
	}
	alerts, err := e.store.List(ctx, f)
	if err != nil {
		return nil, newError(ErrPersistence, "list", "", err)
	}
	return alerts, nil
}

// OpenAlerts returns every non-resolved alert.
func (e *Engine) OpenAlerts(ctx context.Context) ([]*Alert, error) {
	return e.ListAlerts(ctx, AlertFilter{Statuses: OpenStatuses})
}

// Events returns the alert's workflow log in order.
func (e *Engine) Events(ctx context.Context, alertID string) ([]*WorkflowEvent, error) {
	if _, err := e.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	evs, err := e.store.Events(ctx, alertID)
	if err != nil {
		return nil, newError(ErrPersistence, "events", alertID, err)
	}
	return evs, nil
}

type mutateFunc func(a *Alert, ev *WorkflowEvent, now time.Time) error

// transition runs load, mutate and compare-and-swap apply, reloading after a
// lost race so the mutation re-validates against the winner's state.
func (e *Engine) transition(ctx context.Context, op, alertID string, action ActionType, performedBy string, mutate mutateFunc) (*Alert, error) {
	start := time.Now()
	L := e.logger.With("alert_id", alertID, "action", action, "performed_by", performedBy)

	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		cur, ok, err := e.store.Get(ctx, alertID)
		if err != nil {
			L.Error(ctx, err, "failed to load alert")
			return nil, e.transitionFailed(action, newError(ErrPersistence, op, alertID, err), start)
		}
		if !ok {
			return nil, e.transitionFailed(action, newError(ErrAlertNotFound, op, alertID, nil), start)
		}

		now := e.clock.Now()
		if now.Before(cur.UpdatedAt) {
			now = cur.UpdatedAt
		}

		next := cur.Clone()
		ev := e.newEvent(next, action, performedBy, now)
		if err := mutate(next, ev, now); err != nil {
			return nil, e.transitionFailed(action, err, start)
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		ev.Seq = next.Version

		err = e.store.Apply(ctx, next, cur.Version, ev)
		if errors.Is(err, ErrVersionConflict) {
			L.Warn(ctx, "alert changed concurrently, reloading", "attempt", attempt, "version", cur.Version)
			continue
		}
		if err != nil {
			L.Error(ctx, err, "failed to apply transition")
			return nil, e.transitionFailed(action, newError(ErrPersistence, op, alertID, err), start)
		}

		if e.hooks.OnTransition != nil {
			e.hooks.OnTransition(action, "ok", time.Since(start).Seconds())
		}
		L.Info(ctx, "alert transition applied",
			"status", next.Status,
			"priority", next.Priority,
			"version", next.Version,
		)
		e.publish(ctx, next, ev)
		return next.Clone(), nil
	}

	return nil, e.transitionFailed(action,
		newError(ErrConcurrencyConflict, op, alertID, fmt.Errorf("gave up after %d attempts", maxApplyAttempts)), start)
}

func (e *Engine) newEvent(a *Alert, action ActionType, performedBy string, now time.Time) *WorkflowEvent {
	return &WorkflowEvent{
		ID:            ulid.Make().String(),
		AlertID:       a.ID,
		BeneficiaryID: a.BeneficiaryID,
		Seq:           a.Version,
		Action:        action,
		PerformedBy:   performedBy,
		PerformedAt:   now,
		Metadata:      Metadata{Version: MetadataVersion},
	}
}

// publish hands the committed event to the dispatcher. Delivery is best effort
// and detached from the request context.
func (e *Engine) publish(ctx context.Context, a *Alert, ev *WorkflowEvent) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(context.WithoutCancel(ctx), &Notification{Alert: a.Clone(), Event: ev.Clone()})
}

func (e *Engine) onCreate(b Bucket, result string) {
	if e.hooks.OnCreate != nil {
		e.hooks.OnCreate(b, result)
	}
}

func (e *Engine) createFailed(b Bucket, err error) error {
	e.onCreate(b, ResultLabel(err))
	return err
}

func (e *Engine) transitionFailed(action ActionType, err error, start time.Time) error {
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(action, ResultLabel(err), time.Since(start).Seconds())
	}
	return err
}

// ResultLabel maps an engine error to a short metric label.
func ResultLabel(err error) string {
	switch Kind(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "error"
	case ErrAlertNotFound:
		return "not_found"
	case ErrValidation:
		return "validation"
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrConcurrencyConflict:
		return "conflict"
	case ErrUnavailable:
		return "unavailable"
	default:
		return "persistence"
	}
}
