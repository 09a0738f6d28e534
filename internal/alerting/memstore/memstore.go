// Package memstore provides an in-memory implementation of alerting.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// Store holds alerts, workflow events and assessments in memory. Suitable for dev/testing.
// A single mutex makes each Create/Apply co-commit its event atomically.
type Store struct {
	mu          sync.RWMutex
	alerts      map[string]*alerting.Alert           // alert ID -> alert
	open        map[string]string                    // beneficiary|category -> open alert ID
	events      map[string][]*alerting.WorkflowEvent // alert ID -> events by seq
	assessments map[string]*alerting.Assessment      // questionnaire ID -> assessment
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:      make(map[string]*alerting.Alert),
		open:        make(map[string]string),
		events:      make(map[string][]*alerting.WorkflowEvent),
		assessments: make(map[string]*alerting.Assessment),
	}
}

func openKey(beneficiaryID, category string) string { return beneficiaryID + "|" + category }

// Get retrieves an alert by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*alerting.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// FindOpen returns the non-resolved alert for beneficiary+category. Returns a copy.
func (s *Store) FindOpen(_ context.Context, beneficiaryID, category string) (*alerting.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[openKey(beneficiaryID, category)]
	if !ok {
		return nil, false, nil
	}
	return s.alerts[id].Clone(), true, nil
}

// List returns copies of alerts matching f, newest first.
func (s *Store) List(_ context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*alerting.Alert, 0)
	for _, a := range s.alerts {
		if matches(a, f) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(a *alerting.Alert, f alerting.AlertFilter) bool {
	if f.BeneficiaryID != "" && a.BeneficiaryID != f.BeneficiaryID {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, a.Priority) {
		return false
	}
	return inWindow(a.CreatedAt, f.CreatedFrom, f.CreatedTo)
}

// inWindow reports from <= t < to, treating zero bounds as open.
func inWindow(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// Create stores a new alert and its first event.
func (s *Store) Create(_ context.Context, a *alerting.Alert, ev *alerting.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.alerts[a.ID]; exists {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	key := openKey(a.BeneficiaryID, a.Category)
	if !a.Status.Terminal() {
		if _, dup := s.open[key]; dup {
			return alerting.ErrDuplicateOpen
		}
		s.open[key] = a.ID
	}
	s.alerts[a.ID] = a.Clone()
	s.events[a.ID] = []*alerting.WorkflowEvent{ev.Clone()}
	return nil
}

// Apply replaces the alert and appends ev if the stored version matches.
func (s *Store) Apply(_ context.Context, a *alerting.Alert, expectedVersion int64, ev *alerting.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alerts[a.ID]
	if !ok {
		return fmt.Errorf("alert %s not found", a.ID)
	}
	if cur.Version != expectedVersion || cur.Status.Terminal() {
		return alerting.ErrVersionConflict
	}
	log := s.events[a.ID]
	if n := len(log); n > 0 && log[n-1].Seq >= ev.Seq {
		return alerting.ErrVersionConflict
	}

	s.alerts[a.ID] = a.Clone()
	s.events[a.ID] = append(log, ev.Clone())
	if a.Status.Terminal() {
		delete(s.open, openKey(a.BeneficiaryID, a.Category))
	}
	return nil
}

// Events returns copies of the alert's events ordered by seq.
func (s *Store) Events(_ context.Context, alertID string) ([]*alerting.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.events[alertID]
	out := make([]*alerting.WorkflowEvent, len(log))
	for i, ev := range log {
		out[i] = ev.Clone()
	}
	return out, nil
}

// ListEvents returns copies of events matching f ordered by performedAt.
func (s *Store) ListEvents(_ context.Context, f alerting.EventFilter) ([]*alerting.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*alerting.WorkflowEvent, 0)
	for _, log := range s.events {
		for _, ev := range log {
			if len(f.Actions) > 0 && !slices.Contains(f.Actions, ev.Action) {
				continue
			}
			if !inWindow(ev.PerformedAt, f.From, f.To) {
				continue
			}
			out = append(out, ev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PerformedAt.Equal(out[j].PerformedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PerformedAt.Before(out[j].PerformedAt)
	})
	return out, nil
}

// RecordAssessment stores the assessment once per questionnaire; later calls are no-ops.
func (s *Store) RecordAssessment(_ context.Context, a *alerting.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assessments[a.QuestionnaireID]; ok {
		return nil
	}
	cp := *a
	s.assessments[a.QuestionnaireID] = &cp
	return nil
}

// ListAssessments returns assessments scored in [from, to) ordered by time.
func (s *Store) ListAssessments(_ context.Context, from, to time.Time) ([]*alerting.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*alerting.Assessment, 0)
	for _, a := range s.assessments {
		if inWindow(a.ScoredAt, from, to) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScoredAt.Before(out[j].ScoredAt) })
	return out, nil
}

var _ alerting.Store = (*Store)(nil)
