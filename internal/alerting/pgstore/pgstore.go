// Package pgstore provides a PostgreSQL implementation of alerting.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

var tracer = otel.Tracer("github.com/linnemanlabs/clinalert/internal/alerting/pgstore")

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation = "23505"

	constraintOneOpen  = "clinical_alerts_one_open"
	constraintAlertSeq = "workflow_events_alert_seq"
)

// Store persists alerts, workflow events and assessments in PostgreSQL.
// Every alert mutation and its event commit in one transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an open pool. Call Migrate to apply the schema.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const alertColumns = `id, beneficiary_id, questionnaire_id, category, priority, status, risk_snapshot,
	sla_breached, escalation_level, escalated_at, assigned_to, acknowledged_by, acknowledged_at,
	resolved_by, resolved_at, resolution_notes, outcome, created_at, updated_at, version`

const eventColumns = `id, alert_id, beneficiary_id, seq, action_type, performed_by, performed_at,
	notes, metadata, outcome, outcome_metrics, next_review_date, assigned_to_next`

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alerting.Alert, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM clinical_alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// FindOpen returns the non-resolved alert for beneficiary+category.
func (s *Store) FindOpen(ctx context.Context, beneficiaryID, category string) (*alerting.Alert, bool, error) {
	ctx, span := startSpan(ctx, "FindOpen", "SELECT")
	defer span.End()

	a, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM clinical_alerts
		 WHERE beneficiary_id = $1 AND category = $2 AND status <> 'resolved'`,
		beneficiaryID, category,
	))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return a, a != nil, nil
}

// List returns alerts matching f, newest first.
func (s *Store) List(ctx context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.BeneficiaryID != "" {
		where = append(where, "beneficiary_id = "+arg(f.BeneficiaryID))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(f.Category))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(stringsOf(f.Statuses))+")")
	}
	if len(f.Priorities) > 0 {
		where = append(where, "priority = ANY("+arg(stringsOf(f.Priorities))+")")
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedTo))
	}

	query := `SELECT ` + alertColumns + ` FROM clinical_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	out := make([]*alerting.Alert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}

// Create inserts a new alert and its created event in one transaction.
func (s *Store) Create(ctx context.Context, a *alerting.Alert, ev *alerting.WorkflowEvent) error {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	defer span.End()

	snap, err := json.Marshal(a.RiskSnapshot)
	if err != nil {
		return fail(span, fmt.Errorf("marshal risk snapshot: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO clinical_alerts (`+alertColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.BeneficiaryID, a.QuestionnaireID, a.Category, string(a.Priority), string(a.Status), snap,
		a.SLABreached, a.EscalationLevel, a.EscalatedAt, a.AssignedTo, a.AcknowledgedBy, a.AcknowledgedAt,
		a.ResolvedBy, a.ResolvedAt, a.ResolutionNotes, string(a.Outcome), a.CreatedAt, a.UpdatedAt, a.Version,
	)
	if err != nil {
		return fail(span, classify(fmt.Errorf("insert alert: %w", err)))
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Apply updates the alert with a version compare-and-swap and appends ev in the same transaction.
func (s *Store) Apply(ctx context.Context, a *alerting.Alert, expectedVersion int64, ev *alerting.WorkflowEvent) error {
	ctx, span := startSpan(ctx, "Apply", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", a.ID), attribute.String("alert.action", string(ev.Action)))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`UPDATE clinical_alerts SET
			priority         = $3,
			status           = $4,
			sla_breached     = $5,
			escalation_level = $6,
			escalated_at     = $7,
			assigned_to      = $8,
			acknowledged_by  = $9,
			acknowledged_at  = $10,
			resolved_by      = $11,
			resolved_at      = $12,
			resolution_notes = $13,
			outcome          = $14,
			updated_at       = $15,
			version          = $16
		 WHERE id = $1 AND version = $2 AND status <> 'resolved'`,
		a.ID, expectedVersion,
		string(a.Priority), string(a.Status), a.SLABreached, a.EscalationLevel, a.EscalatedAt,
		a.AssignedTo, a.AcknowledgedBy, a.AcknowledgedAt, a.ResolvedBy, a.ResolvedAt,
		a.ResolutionNotes, string(a.Outcome), a.UpdatedAt, a.Version,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update alert: %w", err))
	}
	if tag.RowsAffected() == 0 {
		// not a span error: losing the race is an expected outcome
		span.SetAttributes(attribute.Bool("alert.version_conflict", true))
		return alerting.ErrVersionConflict
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *alerting.WorkflowEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var metrics []byte
	if len(ev.OutcomeMetrics) > 0 {
		if metrics, err = json.Marshal(ev.OutcomeMetrics); err != nil {
			return fmt.Errorf("marshal outcome metrics: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_events (`+eventColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ev.ID, ev.AlertID, ev.BeneficiaryID, ev.Seq, string(ev.Action), ev.PerformedBy, ev.PerformedAt,
		ev.Notes, meta, string(ev.Outcome), metrics, ev.NextReviewDate, ev.AssignedToNext,
	)
	if err != nil {
		return classify(fmt.Errorf("insert event seq %d: %w", ev.Seq, err))
	}
	return nil
}

// classify maps unique violations on the domain constraints to store sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case constraintOneOpen:
		return fmt.Errorf("%w: %w", alerting.ErrDuplicateOpen, err)
	case constraintAlertSeq:
		return fmt.Errorf("%w: %w", alerting.ErrVersionConflict, err)
	}
	return err
}

// Events returns the alert's events ordered by seq.
func (s *Store) Events(ctx context.Context, alertID string) ([]*alerting.WorkflowEvent, error) {
	ctx, span := startSpan(ctx, "Events", "SELECT")
	defer span.End()

	evs, err := s.queryEvents(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE alert_id = $1 ORDER BY seq`, alertID)
	if err != nil {
		return nil, fail(span, err)
	}
	return evs, nil
}

// ListEvents returns events matching f ordered by performedAt.
func (s *Store) ListEvents(ctx context.Context, f alerting.EventFilter) ([]*alerting.WorkflowEvent, error) {
	ctx, span := startSpan(ctx, "ListEvents", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if len(f.Actions) > 0 {
		args = append(args, stringsOf(f.Actions))
		where = append(where, "action_type = ANY($"+strconv.Itoa(len(args))+")")
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, "performed_at >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, "performed_at < $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM workflow_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY performed_at, id`

	evs, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return evs, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*alerting.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]*alerting.WorkflowEvent, 0)
	for rows.Next() {
		var (
			ev          alerting.WorkflowEvent
			action      string
			outcome     string
			metaJSON    []byte
			metricsJSON []byte
		)
		if err := rows.Scan(
			&ev.ID, &ev.AlertID, &ev.BeneficiaryID, &ev.Seq, &action, &ev.PerformedBy, &ev.PerformedAt,
			&ev.Notes, &metaJSON, &outcome, &metricsJSON, &ev.NextReviewDate, &ev.AssignedToNext,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Action = alerting.ActionType(action)
		ev.Outcome = alerting.Outcome(outcome)

		meta, err := alerting.ParseMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("event %s metadata: %w", ev.ID, err)
		}
		ev.Metadata = meta

		if len(metricsJSON) > 0 {
			if err := json.Unmarshal(metricsJSON, &ev.OutcomeMetrics); err != nil {
				return nil, fmt.Errorf("event %s outcome metrics: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// RecordAssessment inserts the assessment once per questionnaire.
func (s *Store) RecordAssessment(ctx context.Context, a *alerting.Assessment) error {
	ctx, span := startSpan(ctx, "RecordAssessment", "INSERT")
	defer span.End()

	var cats []byte
	if len(a.Categories) > 0 {
		var err error
		if cats, err = json.Marshal(a.Categories); err != nil {
			return fail(span, fmt.Errorf("marshal categories: %w", err))
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO assessments (questionnaire_id, beneficiary_id, overall, bucket, categories, scored_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (questionnaire_id) DO NOTHING`,
		a.QuestionnaireID, a.BeneficiaryID, a.Overall, string(a.Bucket), cats, a.ScoredAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert assessment: %w", err))
	}
	return nil
}

// ListAssessments returns assessments scored in [from, to). Zero bounds are open.
func (s *Store) ListAssessments(ctx context.Context, from, to time.Time) ([]*alerting.Assessment, error) {
	ctx, span := startSpan(ctx, "ListAssessments", "SELECT")
	defer span.End()

	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}

	rows, err := s.pool.Query(ctx,
		`SELECT questionnaire_id, beneficiary_id, overall, bucket, categories, scored_at
		 FROM assessments
		 WHERE ($1::timestamptz IS NULL OR scored_at >= $1)
		   AND ($2::timestamptz IS NULL OR scored_at < $2)
		 ORDER BY scored_at`,
		fromArg, toArg,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query assessments: %w", err))
	}
	defer rows.Close()

	out := make([]*alerting.Assessment, 0)
	for rows.Next() {
		var (
			a      alerting.Assessment
			bucket string
			cats   []byte
		)
		if err := rows.Scan(&a.QuestionnaireID, &a.BeneficiaryID, &a.Overall, &bucket, &cats, &a.ScoredAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan assessment: %w", err))
		}
		a.Bucket = alerting.Bucket(bucket)
		if len(cats) > 0 {
			if err := json.Unmarshal(cats, &a.Categories); err != nil {
				return nil, fail(span, fmt.Errorf("assessment %s categories: %w", a.QuestionnaireID, err))
			}
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate assessments: %w", err))
	}
	return out, nil
}

// scanAlert scans a single row into an Alert. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alerting.Alert, error) {
	var (
		a        alerting.Alert
		priority string
		status   string
		outcome  string
		snapJSON []byte
	)
	err := row.Scan(
		&a.ID, &a.BeneficiaryID, &a.QuestionnaireID, &a.Category, &priority, &status, &snapJSON,
		&a.SLABreached, &a.EscalationLevel, &a.EscalatedAt, &a.AssignedTo, &a.AcknowledgedBy, &a.AcknowledgedAt,
		&a.ResolvedBy, &a.ResolvedAt, &a.ResolutionNotes, &outcome, &a.CreatedAt, &a.UpdatedAt, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}

	a.Priority = alerting.Priority(priority)
	a.Status = alerting.Status(status)
	a.Outcome = alerting.Outcome(outcome)
	if err := json.Unmarshal(snapJSON, &a.RiskSnapshot); err != nil {
		return nil, fmt.Errorf("alert %s risk snapshot: %w", a.ID, err)
	}
	return &a, nil
}

func stringsOf[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

var _ alerting.Store = (*Store)(nil)
