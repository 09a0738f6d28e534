package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/alerting/memstore"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.Windows[alerting.PriorityCritical] = 4 * time.Hour
	return p
}

func setup(t *testing.T, policy Policy) (*alerting.Engine, *memstore.Store, *stepClock, *Monitor) {
	t.Helper()
	store := memstore.New()
	clock := &stepClock{now: t0}
	eng := alerting.NewEngine(store, nil, nil, clock, log.Nop(), alerting.EngineHooks{})
	mon := NewMonitor(eng, Config{Policy: policy, Parallelism: 3}, clock, log.Nop(), Hooks{})
	return eng, store, clock, mon
}

func create(t *testing.T, eng *alerting.Engine, beneficiary string, score float64) string {
	t.Helper()
	res, err := eng.CreateAlert(context.Background(), alerting.CreateRequest{
		BeneficiaryID: beneficiary,
		Category:      "cardiovascular",
		Score:         alerting.RiskScore{Overall: score},
	})
	if err != nil || res.Skipped {
		t.Fatalf("CreateAlert: %+v %v", res, err)
	}
	return res.ID
}

func countEscalations(t *testing.T, store *memstore.Store, id string) int {
	t.Helper()
	evs, err := store.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	n := 0
	for _, ev := range evs {
		if ev.Action == alerting.ActionSLAEscalation {
			n++
		}
	}
	return n
}

func TestSweep_CriticalWindow(t *testing.T) {
	t.Parallel()

	eng, store, clock, mon := setup(t, testPolicy())
	ctx := context.Background()
	id := create(t, eng, "B1", 180)

	res, err := mon.Sweep(ctx, t0.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Escalated) != 0 {
		t.Fatalf("escalated at T+3h: %v", res.Escalated)
	}
	a, _ := eng.GetAlert(ctx, id)
	if a.SLABreached {
		t.Fatal("slaBreached at T+3h")
	}

	clock.Set(t0.Add(5 * time.Hour))
	res, err = mon.Sweep(ctx, t0.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.Escalated) != 1 || res.Escalated[0] != id {
		t.Fatalf("escalated at T+5h = %v, want [%s]", res.Escalated, id)
	}
	a, _ = eng.GetAlert(ctx, id)
	if !a.SLABreached || a.Priority != alerting.PriorityEmergency {
		t.Fatalf("after breach: breached=%v priority=%s", a.SLABreached, a.Priority)
	}

	clock.Set(t0.Add(6 * time.Hour))
	if _, err := mon.Sweep(ctx, t0.Add(6*time.Hour)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := countEscalations(t, store, id); n != 1 {
		t.Errorf("sla_escalation events = %d, want 1", n)
	}
}

func TestSweep_Reescalation(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	p.Windows[alerting.PriorityHigh] = time.Hour
	p.Reescalate[alerting.PriorityCritical] = 2 * time.Hour
	eng, store, clock, mon := setup(t, p)
	ctx := context.Background()
	id := create(t, eng, "B1", 120) // high

	clock.Set(t0.Add(90 * time.Minute))
	_, _ = mon.Sweep(ctx, clock.Now())
	a, _ := eng.GetAlert(ctx, id)
	if a.Priority != alerting.PriorityCritical || a.EscalationLevel != 1 {
		t.Fatalf("first escalation: priority=%s level=%d", a.Priority, a.EscalationLevel)
	}

	// below the re-escalation threshold
	clock.Set(t0.Add(3 * time.Hour))
	_, _ = mon.Sweep(ctx, clock.Now())
	if n := countEscalations(t, store, id); n != 1 {
		t.Fatalf("escalations before second threshold = %d, want 1", n)
	}

	clock.Set(t0.Add(4 * time.Hour))
	_, _ = mon.Sweep(ctx, clock.Now())
	a, _ = eng.GetAlert(ctx, id)
	if a.Priority != alerting.PriorityEmergency || a.EscalationLevel != 2 {
		t.Fatalf("second escalation: priority=%s level=%d", a.Priority, a.EscalationLevel)
	}

	// emergency is the ceiling
	clock.Set(t0.Add(48 * time.Hour))
	_, _ = mon.Sweep(ctx, clock.Now())
	if n := countEscalations(t, store, id); n != 2 {
		t.Errorf("escalations = %d, want 2", n)
	}
}

func TestSweep_IgnoresResolved(t *testing.T) {
	t.Parallel()

	eng, _, _, mon := setup(t, testPolicy())
	ctx := context.Background()
	id := create(t, eng, "B1", 180)
	if _, err := eng.Resolve(ctx, id, alerting.Actor{ID: "A1"}, alerting.ResolveRequest{Notes: "ok", Outcome: alerting.OutcomeSuccessful}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	res, err := mon.Sweep(ctx, t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Evaluated != 0 || len(res.Escalated) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestSweep_ConcurrentSweepsEscalateOnce(t *testing.T) {
	t.Parallel()

	eng, store, clock, _ := setup(t, testPolicy())
	ctx := context.Background()
	id := create(t, eng, "B1", 180)
	clock.Set(t0.Add(5 * time.Hour))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon := NewMonitor(eng, Config{Policy: testPolicy()}, clock, log.Nop(), Hooks{})
			if _, err := mon.Sweep(ctx, clock.Now()); err != nil {
				t.Errorf("Sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := countEscalations(t, store, id); n != 1 {
		t.Errorf("sla_escalation events = %d, want 1", n)
	}
}

// flakyEscalator fails escalation for selected alerts.
type flakyEscalator struct {
	*alerting.Engine
	failFor map[string]bool
}

func (f *flakyEscalator) Escalate(ctx context.Context, req alerting.EscalateRequest) (*alerting.Alert, error) {
	if f.failFor[req.AlertID] {
		return nil, &alerting.Error{Kind: alerting.ErrPersistence, Op: "escalate", AlertID: req.AlertID, Err: errors.New("connection reset")}
	}
	return f.Engine.Escalate(ctx, req)
}

func TestSweep_FailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := setup(t, testPolicy())
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = create(t, eng, fmt.Sprintf("B%d", i), 180)
	}

	esc := &flakyEscalator{Engine: eng, failFor: map[string]bool{ids[1]: true, ids[3]: true}}
	mon := NewMonitor(esc, Config{Policy: testPolicy(), Parallelism: 2}, nil, log.Nop(), Hooks{})

	res, err := mon.Sweep(context.Background(), t0.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Failed != 2 || len(res.Escalated) != 3 || res.Evaluated != 5 {
		t.Errorf("result = %+v, want 3 escalated, 2 failed", res)
	}
}

// countingEscalator cancels the sweep context after the first escalation.
type countingEscalator struct {
	*alerting.Engine
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (c *countingEscalator) Escalate(ctx context.Context, req alerting.EscalateRequest) (*alerting.Alert, error) {
	c.calls.Add(1)
	c.cancel()
	return c.Engine.Escalate(ctx, req)
}

func TestSweep_CancellationStopsBetweenAlerts(t *testing.T) {
	t.Parallel()

	eng, _, _, _ := setup(t, testPolicy())
	for i := range 10 {
		create(t, eng, fmt.Sprintf("B%d", i), 180)
	}

	ctx, cancel := context.WithCancel(context.Background())
	esc := &countingEscalator{Engine: eng, cancel: cancel}
	mon := NewMonitor(esc, Config{Policy: testPolicy(), Parallelism: 1}, nil, log.Nop(), Hooks{})

	res, err := mon.Sweep(ctx, t0.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !res.Cancelled {
		t.Error("expected Cancelled")
	}
	if len(res.Escalated) == 0 || len(res.Escalated) >= 10 {
		t.Errorf("escalated = %d, want partial sweep", len(res.Escalated))
	}
	// the escalation in flight when ctx was cancelled still committed
	if int(esc.calls.Load()) != len(res.Escalated) {
		t.Errorf("calls = %d, escalated = %d", esc.calls.Load(), len(res.Escalated))
	}
}

func TestSweep_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	eng, _, _, _ := setup(t, testPolicy())
	create(t, eng, "B1", 180)
	create(t, eng, "B2", 120)
	mon := NewMonitor(eng, Config{Policy: testPolicy()}, nil, log.Nop(), m.Hooks())

	if _, err := mon.Sweep(context.Background(), t0.Add(5*time.Hour)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if got := testutil.ToFloat64(m.SweepsTotal); got != 1 {
		t.Errorf("sweeps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AlertsChecked); got != 2 {
		t.Errorf("evaluated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Escalated); got != 1 {
		t.Errorf("escalated = %v, want 1 (high window is 24h)", got)
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy: %v", err)
	}

	bad := Policy{
		Windows:    map[alerting.Priority]time.Duration{alerting.PriorityHigh: 0, "urgent": time.Hour},
		Reescalate: map[alerting.Priority]time.Duration{alerting.PriorityCritical: -time.Minute},
	}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
	if err := (Policy{}).Validate(); err == nil {
		t.Fatal("expected error for empty policy")
	}
}

func TestPolicy_EvaluateBoundary(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	a := &alerting.Alert{Priority: alerting.PriorityCritical, Status: alerting.StatusPending, CreatedAt: t0}

	if d := p.Evaluate(a, t0.Add(4*time.Hour)); d.Escalate {
		t.Error("escalated exactly at the window; breach requires exceeding it")
	}
	if d := p.Evaluate(a, t0.Add(4*time.Hour+time.Second)); !d.Escalate || d.To != alerting.PriorityEmergency {
		t.Errorf("decision = %+v", d)
	}

	a.Status = alerting.StatusResolved
	if d := p.Evaluate(a, t0.Add(48*time.Hour)); d.Escalate {
		t.Error("resolved alert escalated")
	}
}
