package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/alerting/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("CLINALERT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CLINALERT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s := pgstore.New(pool)
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// second apply must be a no-op
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	return s
}

// uniqueBeneficiary keeps tests independent on a shared database.
func uniqueBeneficiary() string { return "B-" + ulid.Make().String() }

func TestEngineLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	eng := alerting.NewEngine(s, nil, nil, nil, log.Nop(), alerting.EngineHooks{})
	ben := uniqueBeneficiary()

	res, err := eng.CreateAlert(ctx, alerting.CreateRequest{
		BeneficiaryID: ben,
		Category:      "cardiovascular",
		Score:         alerting.RiskScore{Overall: 180, Categories: map[string]float64{"cardiovascular": 180}},
	})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	dup, err := eng.CreateAlert(ctx, alerting.CreateRequest{
		BeneficiaryID: ben,
		Category:      "cardiovascular",
		Score:         alerting.RiskScore{Overall: 160},
	})
	if err != nil {
		t.Fatalf("duplicate CreateAlert: %v", err)
	}
	if dup.ID != res.ID || !dup.Skipped {
		t.Fatalf("duplicate = %+v, want existing %s", dup, res.ID)
	}

	actor := alerting.Actor{ID: "A1"}
	if _, err := eng.Acknowledge(ctx, res.ID, actor); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := eng.Acknowledge(ctx, res.ID, actor); !errors.Is(err, alerting.ErrInvalidTransition) {
		t.Fatalf("second Acknowledge err = %v", err)
	}
	if _, err := eng.PlanIntervention(ctx, res.ID, actor, alerting.InterventionRequest{
		Intervention: alerting.Intervention{Type: "referral", Description: "cardiology", ResourcesNeeded: []string{"cardiologist"}},
		AssignTo:     "A2",
	}); err != nil {
		t.Fatalf("PlanIntervention: %v", err)
	}
	a, err := eng.Resolve(ctx, res.ID, actor, alerting.ResolveRequest{
		Notes:   "stable",
		Outcome: alerting.OutcomeSuccessful,
		Metrics: map[string]float64{"readmission_days": 0},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Version != 4 {
		t.Errorf("Version = %d, want 4", a.Version)
	}

	got, ok, err := s.Get(ctx, res.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != alerting.StatusResolved || got.ResolvedAt == nil || got.RiskSnapshot.Bucket != alerting.BucketCritical {
		t.Errorf("stored alert = %+v", got)
	}

	evs, err := s.Events(ctx, res.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	want := []alerting.ActionType{alerting.ActionCreated, alerting.ActionAcknowledged, alerting.ActionInterventionPlanned, alerting.ActionResolved}
	if len(evs) != len(want) {
		t.Fatalf("events = %d, want %d", len(evs), len(want))
	}
	for i, ev := range evs {
		if ev.Action != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Action, want[i])
		}
	}
	if evs[2].Metadata.Intervention == nil || evs[2].Metadata.Intervention.ResourcesNeeded[0] != "cardiologist" {
		t.Errorf("intervention metadata = %+v", evs[2].Metadata)
	}
	if evs[3].OutcomeMetrics["readmission_days"] != 0 || evs[3].Outcome != alerting.OutcomeSuccessful {
		t.Errorf("resolved event = %+v", evs[3])
	}

	// slot is free again after resolve
	again, err := eng.CreateAlert(ctx, alerting.CreateRequest{BeneficiaryID: ben, Category: "cardiovascular", Score: alerting.RiskScore{Overall: 120}})
	if err != nil || again.Skipped {
		t.Fatalf("CreateAlert after resolve: %+v %v", again, err)
	}
}

func TestApplyVersionConflict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	eng := alerting.NewEngine(s, nil, nil, nil, log.Nop(), alerting.EngineHooks{})

	res, err := eng.CreateAlert(ctx, alerting.CreateRequest{BeneficiaryID: uniqueBeneficiary(), Category: "mental_health", Score: alerting.RiskScore{Overall: 110}})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	cur, _, _ := s.Get(ctx, res.ID)

	next := cur.Clone()
	next.Status = alerting.StatusAcknowledged
	next.Version = cur.Version + 1
	ev := &alerting.WorkflowEvent{
		ID: ulid.Make().String(), AlertID: cur.ID, BeneficiaryID: cur.BeneficiaryID,
		Seq: next.Version, Action: alerting.ActionAcknowledged, PerformedBy: "A1", PerformedAt: time.Now().UTC(),
		Metadata: alerting.Metadata{Version: alerting.MetadataVersion},
	}
	if err := s.Apply(ctx, next, cur.Version, ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	ev2 := *ev
	ev2.ID = ulid.Make().String()
	if err := s.Apply(ctx, next, cur.Version, &ev2); !errors.Is(err, alerting.ErrVersionConflict) {
		t.Fatalf("stale Apply err = %v, want ErrVersionConflict", err)
	}

	evs, _ := s.Events(ctx, cur.ID)
	if len(evs) != 2 {
		t.Errorf("events = %d, want 2", len(evs))
	}
}

func TestCreateDuplicateOpenConstraint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ben := uniqueBeneficiary()
	now := time.Now().UTC()

	mk := func() (*alerting.Alert, *alerting.WorkflowEvent) {
		a := &alerting.Alert{
			ID: ulid.Make().String(), BeneficiaryID: ben, Category: "chronic_disease",
			Priority: alerting.PriorityHigh, Status: alerting.StatusPending,
			RiskSnapshot: alerting.RiskSnapshot{Overall: 120, Bucket: alerting.BucketHigh},
			CreatedAt:    now, UpdatedAt: now, Version: 1,
		}
		ev := &alerting.WorkflowEvent{
			ID: ulid.Make().String(), AlertID: a.ID, BeneficiaryID: ben, Seq: 1,
			Action: alerting.ActionCreated, PerformedBy: alerting.SystemActorIngest, PerformedAt: now,
			Metadata: alerting.Metadata{Version: alerting.MetadataVersion},
		}
		return a, ev
	}

	a1, ev1 := mk()
	if err := s.Create(ctx, a1, ev1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	a2, ev2 := mk()
	if err := s.Create(ctx, a2, ev2); !errors.Is(err, alerting.ErrDuplicateOpen) {
		t.Fatalf("second Create err = %v, want ErrDuplicateOpen", err)
	}
	if _, ok, _ := s.Get(ctx, a2.ID); ok {
		t.Error("rejected alert was partially written")
	}
}

func TestRecordAssessmentIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	qid := "q-" + ulid.Make().String()
	at := time.Now().UTC().Truncate(time.Microsecond)

	for _, score := range []float64{75, 10} {
		if err := s.RecordAssessment(ctx, &alerting.Assessment{
			QuestionnaireID: qid, BeneficiaryID: uniqueBeneficiary(), Overall: score,
			Bucket: alerting.Classify(score), ScoredAt: at,
		}); err != nil {
			t.Fatalf("RecordAssessment: %v", err)
		}
	}

	got, err := s.ListAssessments(ctx, at, at.Add(time.Second))
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	var found int
	for _, a := range got {
		if a.QuestionnaireID == qid {
			found++
			if a.Overall != 75 {
				t.Errorf("Overall = %v, want first write 75", a.Overall)
			}
		}
	}
	if found != 1 {
		t.Errorf("found %d rows for questionnaire, want 1", found)
	}
}
