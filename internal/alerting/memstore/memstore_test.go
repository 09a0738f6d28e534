package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newAlert(id, beneficiary, category string) (*alerting.Alert, *alerting.WorkflowEvent) {
	a := &alerting.Alert{
		ID:            id,
		BeneficiaryID: beneficiary,
		Category:      category,
		Priority:      alerting.PriorityHigh,
		Status:        alerting.StatusPending,
		CreatedAt:     t0,
		UpdatedAt:     t0,
		Version:       1,
	}
	ev := &alerting.WorkflowEvent{
		ID:            id + "-1",
		AlertID:       id,
		BeneficiaryID: beneficiary,
		Seq:           1,
		Action:        alerting.ActionCreated,
		PerformedAt:   t0,
	}
	return a, ev
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	if err := s.Create(ctx, a, ev); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := s.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected alert to be found")
	}
	if got.BeneficiaryID != "B1" {
		t.Errorf("BeneficiaryID = %q, want %q", got.BeneficiaryID, "B1")
	}

	evs, err := s.Events(ctx, "a-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) != 1 || evs[0].Action != alerting.ActionCreated {
		t.Fatalf("events = %+v, want one created event", evs)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	_ = s.Create(ctx, a, ev)

	got, _, _ := s.Get(ctx, "a-1")
	got.Status = alerting.StatusResolved

	again, _, _ := s.Get(ctx, "a-1")
	if again.Status != alerting.StatusPending {
		t.Errorf("mutating returned alert leaked into store: status = %q", again.Status)
	}
}

func TestStore_CreateDuplicateOpen(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	_ = s.Create(ctx, a, ev)

	b, ev2 := newAlert("a-2", "B1", "cardiovascular")
	if err := s.Create(ctx, b, ev2); !errors.Is(err, alerting.ErrDuplicateOpen) {
		t.Fatalf("Create duplicate: err = %v, want ErrDuplicateOpen", err)
	}

	// different category is fine
	c, ev3 := newAlert("a-3", "B1", "mental_health")
	if err := s.Create(ctx, c, ev3); err != nil {
		t.Fatalf("Create other category: %v", err)
	}
}

func TestStore_ApplyVersionConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	_ = s.Create(ctx, a, ev)

	next := a.Clone()
	next.Status = alerting.StatusAcknowledged
	next.Version = 2
	ack := &alerting.WorkflowEvent{ID: "e-2", AlertID: "a-1", Seq: 2, Action: alerting.ActionAcknowledged}

	if err := s.Apply(ctx, next, 1, ack); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Apply(ctx, next, 1, ack); !errors.Is(err, alerting.ErrVersionConflict) {
		t.Fatalf("stale Apply: err = %v, want ErrVersionConflict", err)
	}

	evs, _ := s.Events(ctx, "a-1")
	if len(evs) != 2 {
		t.Errorf("events = %d, want 2 (stale apply must not append)", len(evs))
	}
}

func TestStore_ResolveReleasesOpenSlot(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	_ = s.Create(ctx, a, ev)

	resolved := a.Clone()
	resolved.Status = alerting.StatusResolved
	resolved.Version = 2
	if err := s.Apply(ctx, resolved, 1, &alerting.WorkflowEvent{ID: "e-2", AlertID: "a-1", Seq: 2, Action: alerting.ActionResolved}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, ok, _ := s.FindOpen(ctx, "B1", "cardiovascular"); ok {
		t.Fatal("resolved alert still reported as open")
	}

	// terminal alerts reject further applies
	again := resolved.Clone()
	again.Version = 3
	if err := s.Apply(ctx, again, 2, &alerting.WorkflowEvent{ID: "e-3", AlertID: "a-1", Seq: 3}); !errors.Is(err, alerting.ErrVersionConflict) {
		t.Fatalf("apply on resolved: err = %v, want ErrVersionConflict", err)
	}

	b, ev2 := newAlert("a-2", "B1", "cardiovascular")
	if err := s.Create(ctx, b, ev2); err != nil {
		t.Fatalf("Create after resolve: %v", err)
	}
}

func TestStore_ListFilters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i, cat := range []string{"cardiovascular", "mental_health", "substance_abuse"} {
		a, ev := newAlert(fmt.Sprintf("a-%d", i), "B1", cat)
		a.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
		if i == 2 {
			a.Priority = alerting.PriorityCritical
		}
		_ = s.Create(ctx, a, ev)
	}

	all, _ := s.List(ctx, alerting.AlertFilter{})
	if len(all) != 3 {
		t.Fatalf("List all = %d, want 3", len(all))
	}
	if all[0].ID != "a-2" {
		t.Errorf("newest first: got %q, want a-2", all[0].ID)
	}

	crit, _ := s.List(ctx, alerting.AlertFilter{Priorities: []alerting.Priority{alerting.PriorityCritical}})
	if len(crit) != 1 || crit[0].ID != "a-2" {
		t.Errorf("critical filter = %+v", crit)
	}

	windowed, _ := s.List(ctx, alerting.AlertFilter{CreatedFrom: t0.Add(time.Hour), CreatedTo: t0.Add(2 * time.Hour)})
	if len(windowed) != 1 || windowed[0].ID != "a-1" {
		t.Errorf("window filter = %+v", windowed)
	}

	limited, _ := s.List(ctx, alerting.AlertFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit = %d, want 2", len(limited))
	}
}

func TestStore_RecordAssessmentIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	first := &alerting.Assessment{QuestionnaireID: "q-1", BeneficiaryID: "B1", Overall: 120, ScoredAt: t0}
	second := &alerting.Assessment{QuestionnaireID: "q-1", BeneficiaryID: "B1", Overall: 10, ScoredAt: t0.Add(time.Hour)}
	_ = s.RecordAssessment(ctx, first)
	_ = s.RecordAssessment(ctx, second)

	got, err := s.ListAssessments(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(got) != 1 || got[0].Overall != 120 {
		t.Fatalf("assessments = %+v, want first write only", got)
	}
}

func TestStore_ConcurrentApplySingleWinner(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a, ev := newAlert("a-1", "B1", "cardiovascular")
	_ = s.Create(ctx, a, ev)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := a.Clone()
			next.Status = alerting.StatusAcknowledged
			next.Version = 2
			err := s.Apply(ctx, next, 1, &alerting.WorkflowEvent{ID: fmt.Sprintf("e-%d", i), AlertID: "a-1", Seq: 2})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
	evs, _ := s.Events(ctx, "a-1")
	if len(evs) != 2 {
		t.Errorf("events = %d, want 2", len(evs))
	}
}
